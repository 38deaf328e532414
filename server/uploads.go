package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/upload-gateway/telemetry"
	"github.com/wolfeidau/upload-gateway/upload"
)

// requestOverhead leaves room for JSON framing and metadata around a
// base64 payload.
const requestOverhead = 64 << 10

type planRequest struct {
	FileName   string            `json:"fileName"`
	SizeBytes  int64             `json:"sizeBytes"`
	MimeType   string            `json:"mimeType,omitempty"`
	DriveID    string            `json:"driveId,omitempty"`
	FolderPath string            `json:"folderPath,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type chunkRequest struct {
	FileName     string              `json:"fileName"`
	ChunkIndex   *int                `json:"chunkIndex"`
	TotalChunks  int                 `json:"totalChunks"`
	Payload      []byte              `json:"payload"`
	FileMetadata upload.FileMetadata `json:"fileMetadata"`
}

type directRequest struct {
	FileName     string              `json:"fileName"`
	Payload      []byte              `json:"payload"`
	FileMetadata upload.FileMetadata `json:"fileMetadata"`
}

// handlePlan handles POST /uploads/plan.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/uploads/plan")

	var req planRequest
	if err := decodeJSON(w, r, requestOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	plan, err := s.planner.PlanUpload(r.Context(), UserFromContext(r.Context()), upload.FileMetadata{
		Name:       req.FileName,
		SizeBytes:  req.SizeBytes,
		MimeType:   req.MimeType,
		DriveID:    req.DriveID,
		FolderPath: req.FolderPath,
		Attributes: req.Attributes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleChunk handles POST /uploads/chunk.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/uploads/chunk")

	var req chunkRequest
	if err := decodeJSON(w, r, base64Len(s.ingestor.MaxChunkSize())+requestOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ChunkIndex == nil {
		s.writeError(w, r, fmt.Errorf("%w: chunkIndex is required", upload.ErrInvalidRequest))
		return
	}

	meta := req.FileMetadata
	if meta.Name == "" {
		meta.Name = req.FileName
	}

	ack, err := s.ingestor.Ingest(r.Context(), UserFromContext(r.Context()), upload.ChunkRequest{
		FileName:     req.FileName,
		ChunkIndex:   *req.ChunkIndex,
		TotalChunks:  req.TotalChunks,
		Payload:      req.Payload,
		FileMetadata: meta,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleDirect handles POST /uploads/direct.
func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/uploads/direct")

	var req directRequest
	if err := decodeJSON(w, r, base64Len(s.config.DirectThreshold)+requestOverhead, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	meta := req.FileMetadata
	if req.FileName != "" {
		meta.Name = req.FileName
	}
	meta.SizeBytes = int64(len(req.Payload))

	file, created, err := s.direct.Upload(r.Context(), UserFromContext(r.Context()), meta, req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, file)
}

// handleProgress handles GET /uploads/progress?fileName=.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/uploads/progress")

	name := r.URL.Query().Get("fileName")
	if name == "" {
		s.writeError(w, r, fmt.Errorf("%w: fileName is required", upload.ErrInvalidRequest))
		return
	}
	prog, err := s.records.GetProgress(r.Context(), UserFromContext(r.Context()), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

// decodeJSON reads at most limit bytes of JSON into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()

	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("%w: request body exceeds %d bytes", upload.ErrPayloadTooLarge, maxErr.Limit)
		}
		return fmt.Errorf("%w: %w", upload.ErrInvalidRequest, err)
	}
	return nil
}

// base64Len is the encoded size of n raw bytes.
func base64Len(n int64) int64 {
	return (n + 2) / 3 * 4
}
