package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth enforces bearer token auth on every route except the health
// check. An empty configured token disables auth entirely.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing auth token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusForbidden, "invalid auth token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken checks, in order: Authorization: Bearer <token>, then the
// auth_token query param (WebSocket clients cannot always set headers).
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("auth_token")
}
