package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserFromContext(r.Context())))
	})
}

func authServer(tokens map[string]string) *Server {
	return &Server{config: Config{APITokens: tokens}, logger: slog.New(slog.DiscardHandler)}
}

func TestAuthMiddleware_NoTokens_Anonymous(t *testing.T) {
	handler := authServer(nil).authMiddleware(echoUser())

	req := httptest.NewRequest(http.MethodGet, "/files", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, AnonymousUser, rec.Body.String())
}

func TestAuthMiddleware_MapsTokenToUser(t *testing.T) {
	handler := authServer(map[string]string{"tok-a": "alice", "tok-b": "bob"}).authMiddleware(echoUser())

	for token, user := range map[string]string{"tok-a": "alice", "tok-b": "bob"} {
		req := httptest.NewRequest(http.MethodGet, "/files", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, user, rec.Body.String())
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	handler := authServer(map[string]string{"tok-a": "alice"}).authMiddleware(echoUser())

	for name, header := range map[string]string{
		"invalid token": "Bearer wrong-token",
		"missing":       "",
		"wrong scheme":  "Basic dXNlcjpwYXNz",
		"empty bearer":  "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/uploads/plan", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, http.StatusUnauthorized, rec.Code)
			require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, codeUnauthorized, body.Error.Code)
		})
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	handler := authServer(map[string]string{"tok-a": "alice"}).authMiddleware(echoUser())

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
	}

	// Only exact matches are exempt.
	req := httptest.NewRequest(http.MethodGet, "/health/deep", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
