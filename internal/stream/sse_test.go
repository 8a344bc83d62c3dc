package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

type fakeSource struct{}

func (fakeSource) Hello() any { return map[string]string{"site": "GN", "night": "GN-20260615"} }

func (fakeSource) Status() any { return map[string]any{"state": "CLEAR", "clear": true} }

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		Interval:           100 * time.Millisecond,
		KeepaliveInterval:  5 * time.Second,
	}
}

// TestSSEMessageFormat verifies the SSE wire format: "data: {json}\n\n".
func TestSSEMessageFormat(t *testing.T) {
	handler := NewHandler(fakeSource{}, testConfig(), testLogger())

	req := httptest.NewRequest("GET", "/api/v1/stream/status", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), 350*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	handler.HandleStatus(w, req)

	resp := w.Result()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	body := w.Body.String()
	scanner := bufio.NewScanner(strings.NewReader(body))
	var types []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg); err != nil {
			t.Errorf("invalid JSON in SSE data line: %v", err)
			continue
		}
		types = append(types, msg["type"].(string))
		if msg["type"] == "hello" {
			hello := msg["hello"].(map[string]any)
			if hello["night"] != "GN-20260615" {
				t.Errorf("hello night = %v", hello["night"])
			}
		}
	}

	if len(types) < 2 || types[0] != "hello" || types[1] != "status" {
		t.Errorf("message types = %v, want hello then status", types)
	}

	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "retry: ") && line != ":" {
			t.Errorf("unexpected SSE line: %q", line)
		}
	}
}

// TestRateLimiting verifies per-IP and global stream limits.
func TestRateLimiting(t *testing.T) {
	limiter := newConnLimiter(3, 5)

	for i := 0; i < 3; i++ {
		if r := limiter.acquire("10.0.0.1"); r != "" {
			t.Fatalf("acquire %d failed: %s", i+1, r)
		}
	}
	if r := limiter.acquire("10.0.0.1"); r != "limit_ip" {
		t.Errorf("acquire beyond per-IP limit = %q, want limit_ip", r)
	}

	if r := limiter.acquire("10.0.0.2"); r != "" {
		t.Errorf("different IP should not be limited, got %q", r)
	}
	limiter.acquire("10.0.0.3")
	if r := limiter.acquire("10.0.0.4"); r != "limit_total" {
		t.Errorf("acquire beyond total = %q, want limit_total", r)
	}

	limiter.release("10.0.0.1")
	if r := limiter.acquire("10.0.0.1"); r != "" {
		t.Errorf("acquire after release failed: %s", r)
	}
	if c := limiter.count("10.0.0.1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
}

// TestRateLimitingConcurrent verifies limiter thread safety.
func TestRateLimitingConcurrent(t *testing.T) {
	limiter := newConnLimiter(100, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.acquire("10.0.0.1") == "" {
				defer limiter.release("10.0.0.1")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.count("10.0.0.1"); c != 0 {
		t.Errorf("count after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 when the limit is exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerIP = 1
	handler := NewHandler(fakeSource{}, cfg, testLogger())

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream/status", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		ctx, cancel := context.WithCancel(req.Context())
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(ready)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		handler.HandleStatus(w, req)
	}()

	<-ready

	req := httptest.NewRequest("GET", "/api/v1/stream/status", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleStatus(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	<-done
}

func TestInvalidInterval(t *testing.T) {
	handler := NewHandler(fakeSource{}, testConfig(), testLogger())

	for _, q := range []string{"?interval_ms=0", "?interval_ms=99", "?interval_ms=60001", "?interval_ms=fast"} {
		t.Run(q, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stream/status"+q, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			handler.HandleStatus(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}
