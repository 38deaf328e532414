package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/upload-gateway/telemetry"
)

// AnonymousUser owns every upload when no API tokens are configured.
const AnonymousUser = "anonymous"

type userKey struct{}

// UserFromContext returns the authenticated user id.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok {
		return u
	}
	return AnonymousUser
}

// authMiddleware maps Bearer tokens to user ids. With no tokens configured it
// lets every request through as AnonymousUser. /health and /metrics are
// always exempt.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	type credential struct {
		token  []byte
		userID string
	}
	creds := make([]credential, 0, len(s.config.APITokens))
	for token, user := range s.config.APITokens {
		creds = append(creds, credential{token: []byte(token), userID: user})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if len(creds) == 0 {
			telemetry.SetUserID(r, AnonymousUser)
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}
		provided := []byte(strings.TrimPrefix(auth, "Bearer "))

		// Compare against every token so timing does not reveal which matched.
		userID := ""
		for _, c := range creds {
			if subtle.ConstantTimeCompare(provided, c.token) == 1 {
				userID = c.userID
			}
		}
		if userID == "" {
			unauthorizedResponse(w)
			return
		}

		telemetry.SetUserID(r, userID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token")
}
