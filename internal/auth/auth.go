// Package auth enforces a single bearer token on the operator API.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Config holds authentication configuration.
type Config struct {
	Enabled bool
	Token   string
}

// exemptPaths are always public regardless of auth configuration.
var exemptPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// readOnlyPrefixes are public for GET requests. Anything that changes the
// night or the auto-shutter needs the token.
var readOnlyPrefixes = []string{
	"/api/v1/status",
	"/api/v1/stream/",
}

// isExempt returns true if the request is exempt from auth.
func isExempt(method, path string) bool {
	if exemptPaths[path] {
		return true
	}
	if method != http.MethodGet {
		return false
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware returns an HTTP middleware that enforces Bearer token auth
// on non-exempt requests when auth is enabled.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || isExempt(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")

			if header == "" || token == header || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
