package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// adminPrefix marks the routes that control the proxy itself.
const adminPrefix = "/_offline/"

// authMiddleware returns middleware that validates Bearer token authentication
// on the admin routes. When AuthToken is empty, the middleware is a no-op.
// Proxied dashboard paths, /_offline/health and /metrics are never checked.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiresAuth(path string) bool {
	return strings.HasPrefix(path, adminPrefix) && path != adminPrefix+"health"
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
