// Package stream implements the Server-Sent Events status stream. Clients
// connect via GET /api/v1/stream/status and receive the alarm status at a
// fixed interval.
//
// SSE message format:
//
//	data: {"type":"status","t":"2026-06-15T08:00:00Z","status":{...}}\n\n
//
// First message is always a hello describing the site and night:
//
//	data: {"type":"hello","t":"...","hello":{...}}\n\n
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval without data.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/httputil"
	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxTotal           int           // Max concurrent streams overall (default: 200).
	Interval           time.Duration // Default interval between status messages (default: 1s).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool          // Use X-Forwarded-For for the per-IP limit.
}

// Source provides stream payloads.
type Source interface {
	// Hello is sent first on every connection.
	Hello() any
	// Status returns the current status, or nil when nothing is available.
	Status() any
}

// Handler manages SSE streaming connections.
type Handler struct {
	source  Source
	config  Config
	limiter *connLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(source Source, config Config, logger *slog.Logger) *Handler {
	if config.MaxConcurrentPerIP <= 0 {
		config.MaxConcurrentPerIP = 10
	}
	if config.MaxTotal <= 0 {
		config.MaxTotal = 200
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		source:  source,
		config:  config,
		limiter: newConnLimiter(config.MaxConcurrentPerIP, config.MaxTotal),
		logger:  logger.With("component", "stream"),
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleStatus serves the SSE status stream.
// GET /api/v1/stream/status?interval_ms=500
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	interval := h.config.Interval
	if v := r.URL.Query().Get("interval_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 60000 {
			writeError(w, http.StatusBadRequest, "invalid interval_ms parameter, must be 100-60000")
			return
		}
		interval = time.Duration(n) * time.Millisecond
	}

	ip := httputil.ClientIP(r, h.config.TrustProxy)
	if reason := h.limiter.acquire(ip); reason != "" {
		metrics.IncStreamErrors(reason)
		h.logger.Warn("stream limit exceeded",
			"remote_ip", ip,
			"reason", reason,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"interval_ms", interval.Milliseconds(),
	)

	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived: clear the server's WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry (3-7s) spreads reconnects after a restart.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	if err := c.sendJSON(message{Type: "hello", T: time.Now().UTC(), Hello: h.source.Hello()}); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (hello)", "remote_ip", ip, "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case t := <-ticker.C:
			st := h.source.Status()
			if st == nil {
				metrics.IncStreamErrors("no_status")
				continue
			}
			if err := c.sendJSON(message{Type: "status", T: t.UTC(), Status: st}); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// message is the SSE payload envelope.
type message struct {
	Type   string    `json:"type"`
	T      time.Time `json:"t"`
	Hello  any       `json:"hello,omitempty"`
	Status any       `json:"status,omitempty"`
}
