package server

import (
	"net/http"

	"github.com/wolfeidau/upload-gateway/telemetry"
)

// handleCache handles GET /cache/{resource}. Known resources always answer
// 200; store trouble shows up as fallback data rather than an error.
func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "/cache/{resource}")

	resp, err := s.resources.Load(r.Context(), r.PathValue("resource"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetSource(r, resp.Source)
	if resp.Cached {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, resp)
}
