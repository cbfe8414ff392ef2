package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gluk-w/keybroker/internal/config"
)

// AdminAuth guards the admin routes with the shared bearer secret. The token
// comparison is constant-time so response timing leaks nothing about the
// secret.
func AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := config.Cfg.AdminSecret
		if secret == "" {
			writeError(w, http.StatusServiceUnavailable, "Admin secret not configured")
			return
		}

		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token == auth {
			writeError(w, http.StatusUnauthorized, "Missing admin token")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			writeError(w, http.StatusForbidden, "Invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
