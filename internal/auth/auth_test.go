package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(Config{Enabled: true, Token: "s3cret"})(next)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{"probe", "GET", "/healthz", "", http.StatusNoContent},
		{"metrics", "GET", "/metrics", "", http.StatusNoContent},
		{"status read", "GET", "/api/v1/status", "", http.StatusNoContent},
		{"stream read", "GET", "/api/v1/stream/status", "", http.StatusNoContent},
		{"night read", "GET", "/api/v1/night", "", http.StatusUnauthorized},
		{"autoshutter without token", "POST", "/api/v1/autoshutter", "", http.StatusUnauthorized},
		{"wrong token", "POST", "/api/v1/autoshutter", "Bearer nope", http.StatusUnauthorized},
		{"no bearer prefix", "POST", "/api/v1/autoshutter", "s3cret", http.StatusUnauthorized},
		{"good token", "POST", "/api/v1/autoshutter", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	h := Middleware(Config{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/api/v1/autoshutter", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
