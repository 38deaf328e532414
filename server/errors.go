package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfeidau/upload-gateway/graph"
	"github.com/wolfeidau/upload-gateway/readpath"
	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/upload"
)

// Machine readable error codes returned in {"error":{"code":...}}.
const (
	codeInvalidRequest   = "invalid_request"
	codeUnauthorized     = "unauthorized"
	codePayloadTooLarge  = "payload_too_large"
	codeChunkConflict    = "chunk_conflict"
	codeSessionError     = "session_error"
	codeAuthError        = "auth_error"
	codeIngestError      = "ingest_error"
	codeFinalizeError    = "finalize_error"
	codeIncompleteUpload = "incomplete_upload"
	codeNotFound         = "not_found"
	codeInternal         = "internal_error"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps an error to its HTTP status and code. Typed upload errors are
// checked before the sentinels they may wrap.
func classify(err error) (int, string) {
	var (
		maxBytes *http.MaxBytesError
		authErr  *graph.AuthError
		sessErr  *upload.SessionError
		finErr   *upload.FinalizeError
		ingErr   *upload.IngestError
	)
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, upload.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, codePayloadTooLarge
	case errors.Is(err, upload.ErrInvalidRequest):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, upload.ErrChunkConflict):
		return http.StatusConflict, codeChunkConflict
	case errors.As(err, &sessErr) && errors.As(err, &authErr):
		return http.StatusBadGateway, codeAuthError
	case errors.As(err, &sessErr):
		return http.StatusBadGateway, codeSessionError
	case errors.As(err, &finErr) && errors.Is(err, upload.ErrIncompleteUpload):
		return http.StatusConflict, codeIncompleteUpload
	case errors.As(err, &finErr):
		return http.StatusInternalServerError, codeFinalizeError
	case errors.As(err, &ingErr):
		return http.StatusServiceUnavailable, codeIngestError
	case errors.As(err, &authErr):
		return http.StatusBadGateway, codeAuthError
	case errors.Is(err, store.ErrNotFound), errors.Is(err, readpath.ErrUnknownResource):
		return http.StatusNotFound, codeNotFound
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	}
	if code == codeInternal {
		msg = http.StatusText(status)
	}
	writeErrorCode(w, status, code, msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
