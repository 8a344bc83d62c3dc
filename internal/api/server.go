// Package api serves the operator HTTP surface: status, the current night,
// closures, auto-shutter control, clearance requests and confirmations.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/alarm"
	"github.com/gemini-hlsw/lch-sub000/internal/auth"
	"github.com/gemini-hlsw/lch-sub000/internal/clearance"
	"github.com/gemini-hlsw/lch-sub000/internal/events"
	"github.com/gemini-hlsw/lch-sub000/internal/health"
	"github.com/gemini-hlsw/lch-sub000/internal/httputil"
	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/nightstore"
	"github.com/gemini-hlsw/lch-sub000/internal/reconcile"
	"github.com/gemini-hlsw/lch-sub000/internal/stream"
)

// Refresher reconciles the current night with the plan.
type Refresher interface {
	Refresh(ctx context.Context) (reconcile.Result, error)
}

// Deps are the components the API works on. Refresher, Events and Stream may
// be nil.
type Deps struct {
	Site      string
	Nights    *nightstore.Store
	Refresher Refresher
	Alarm     *alarm.Engine
	Applier   *clearance.Applier
	Events    events.Publisher
	Stream    *stream.Handler
	Ready     []health.Check
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	deps       Deps
	logger     *slog.Logger
	now        func() time.Time
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, trustProxy bool, deps Deps) *Server {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	s := &Server{deps: deps, logger: logger.With("component", "api"), now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(deps.Ready...))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/night", s.handleNight)
	mux.HandleFunc("POST /api/v1/night/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/v1/night/prm", s.handlePRMPreview)
	mux.HandleFunc("POST /api/v1/night/transmit", s.handleTransmit)
	mux.HandleFunc("GET /api/v1/closures", s.handleListClosures)
	mux.HandleFunc("POST /api/v1/closures", s.handleAddClosure)
	mux.HandleFunc("PUT /api/v1/closures/{id}", s.handleUpdateClosure)
	mux.HandleFunc("DELETE /api/v1/closures/{id}", s.handleDeleteClosure)
	mux.HandleFunc("POST /api/v1/confirmations", s.handleConfirmation)
	mux.HandleFunc("GET /api/v1/autoshutter", s.handleGetAutoShutter)
	mux.HandleFunc("POST /api/v1/autoshutter", s.handleSetAutoShutter)
	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/status", deps.Stream.HandleStatus)
	}

	// Build middleware chain: metrics -> request id -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger, trustProxy)(handler)
	handler = httputil.WithRequestID(handler)
	handler = metrics.Middleware(handler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush passes through so the status stream works behind the logger.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the writer to http.ResponseController.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"request_id", httputil.RequestID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
