package server

import (
	"net/http"
	"strconv"

	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/telemetry"
)

const defaultFileListLimit = 100

type fileList struct {
	Files []*store.File `json:"files"`
}

// handleListFiles handles GET /files, newest first.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/files")

	limit := defaultFileListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	files, err := s.records.ListFiles(r.Context(), UserFromContext(r.Context()), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []*store.File{}
	}
	writeJSON(w, http.StatusOK, fileList{Files: files})
}

// handleGetFile handles GET /files/{fileName}.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/files/{fileName}")

	file, err := s.records.GetFile(r.Context(), UserFromContext(r.Context()), r.PathValue("fileName"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}
