package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		trust      bool
		want       string
	}{
		{name: "remote addr with port", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6 remote addr", remoteAddr: "[::1]:12345", want: "::1"},
		{name: "bare remote addr", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{name: "ipv4-mapped ipv6", remoteAddr: "[::ffff:10.0.0.7]:80", want: "10.0.0.7"},
		{name: "unparseable remote addr kept", remoteAddr: "pipe", want: "pipe"},
		{name: "headers ignored when untrusted", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4", xri: "5.6.7.8", want: "10.0.0.1"},
		{name: "leftmost forwarded entry", remoteAddr: "10.0.0.3:1234", xff: "1.2.3.4, 10.0.0.1", trust: true, want: "1.2.3.4"},
		{name: "garbage forwarded entry skipped", remoteAddr: "10.0.0.3:1234", xff: "unknown, 1.2.3.4", trust: true, want: "1.2.3.4"},
		{name: "real ip with port", remoteAddr: "10.0.0.1:1234", xri: "5.6.7.8:9000", trust: true, want: "5.6.7.8"},
		{name: "forwarded before real ip", remoteAddr: "10.0.0.1:1234", xff: "1.2.3.4", xri: "5.6.7.8", trust: true, want: "1.2.3.4"},
		{name: "invalid headers fall back", remoteAddr: "10.0.0.1:1234", xff: "x", xri: "y", trust: true, want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: http.Header{}}
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(r, tt.trust); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithRequestID(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("generated id %q is not a UUID", seen)
	}
	if got := w.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response id = %q, want %q", got, seen)
	}

	const caller = "3f0c4b7e-8a41-4a53-9d7f-0e2a6f1c9b20"
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, caller)
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen != caller {
		t.Errorf("id = %q, want caller's %q", seen, caller)
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set(RequestIDHeader, "not-a-uuid\nX-Evil: 1")
	h.ServeHTTP(httptest.NewRecorder(), r)
	if seen == "not-a-uuid\nX-Evil: 1" {
		t.Error("invalid caller id was accepted")
	}
}
