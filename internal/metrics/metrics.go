package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltts_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ltts_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	autoShutterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ltts_autoshutter_state",
			Help: "Current auto-shutter state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)

	clearToPropagate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ltts_clear_to_propagate",
		Help: "1 when the laser is clear to propagate.",
	})

	snapshotBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ltts_snapshot_build_seconds",
		Help:    "Time to assemble one alarm snapshot.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	shutterCommandsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ltts_shutter_commands_total",
		Help: "Shutter command sequences issued to the telescope control system.",
	})

	tcsErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltts_tcs_errors_total",
			Help: "Telescope control channel errors by operation.",
		},
		[]string{"op"},
	)

	collisionFetchErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ltts_collision_fetch_errors_total",
		Help: "Failed collision feed fetches.",
	})

	collisionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ltts_collisions",
		Help: "Collision windows in the latest feed.",
	})

	observationTargets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ltts_observation_targets",
			Help: "Observation targets of the current night by lifecycle state.",
		},
		[]string{"state"},
	)

	confirmationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltts_confirmation_rejections_total",
			Help: "Confirmation entries or reports rejected, by reason.",
		},
		[]string{"reason"},
	)

	nightAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ltts_night_age_seconds",
		Help: "Seconds since the current night was last published.",
	})

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltts_stream_connections_total",
			Help: "Status stream connection events.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ltts_streams_active",
		Help: "Currently open status streams.",
	})

	streamMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ltts_stream_messages_total",
		Help: "Messages sent on status streams.",
	})

	streamBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ltts_stream_bytes_total",
		Help: "Bytes sent on status streams.",
	})

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ltts_stream_errors_total",
			Help: "Status stream errors by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		autoShutterState,
		clearToPropagate,
		snapshotBuildSeconds,
		shutterCommandsTotal,
		tcsErrorsTotal,
		collisionFetchErrorsTotal,
		collisionsCurrent,
		observationTargets,
		confirmationRejectionsTotal,
		nightAgeSeconds,
		streamConnectionsTotal,
		streamsActive,
		streamMessagesTotal,
		streamBytesTotal,
		streamErrorsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetAutoShutterState marks state as the active one among all.
func SetAutoShutterState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		autoShutterState.WithLabelValues(s).Set(v)
	}
}

// SetClearToPropagate records the latest predicate value.
func SetClearToPropagate(clear bool) {
	if clear {
		clearToPropagate.Set(1)
		return
	}
	clearToPropagate.Set(0)
}

// ObserveSnapshotBuild records how long a snapshot took to assemble.
func ObserveSnapshotBuild(d time.Duration) {
	snapshotBuildSeconds.Observe(d.Seconds())
}

// IncShutterCommands counts one shutter sequence.
func IncShutterCommands() {
	shutterCommandsTotal.Inc()
}

// IncTCSError counts one failed telescope channel operation.
func IncTCSError(op string) {
	tcsErrorsTotal.WithLabelValues(op).Inc()
}

// IncCollisionFetchError counts one failed collision fetch.
func IncCollisionFetchError() {
	collisionFetchErrorsTotal.Inc()
}

// SetCollisions records the size of the latest collision feed.
func SetCollisions(n int) {
	collisionsCurrent.Set(float64(n))
}

// SetObservationTargets records target counts by state name.
func SetObservationTargets(counts map[string]int) {
	for state, n := range counts {
		observationTargets.WithLabelValues(state).Set(float64(n))
	}
}

// SetNightAge records the age of the current night.
func SetNightAge(seconds float64) {
	nightAgeSeconds.Set(seconds)
}

// IncConfirmationRejection counts one rejection for reason.
func IncConfirmationRejection(reason string) {
	confirmationRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncStreamConnections counts a stream "connect" or "disconnect".
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }

// IncStreamMessages counts one message sent on a stream.
func IncStreamMessages() {
	streamMessagesTotal.Inc()
}

// AddStreamBytes adds n bytes sent on a stream.
func AddStreamBytes(n int64) {
	streamBytesTotal.Add(float64(n))
}

// IncStreamErrors counts one stream error.
func IncStreamErrors(reason string) {
	streamErrorsTotal.WithLabelValues(reason).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets the SSE stream flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

var knownRoutes = map[string]bool{
	"/":                      true,
	"/healthz":               true,
	"/readyz":                true,
	"/metrics":               true,
	"/api/v1/status":         true,
	"/api/v1/night":          true,
	"/api/v1/night/refresh":  true,
	"/api/v1/night/transmit": true,
	"/api/v1/night/prm":      true,
	"/api/v1/closures":       true,
	"/api/v1/confirmations":  true,
	"/api/v1/autoshutter":    true,
	"/api/v1/stream/status":  true,
}

// normalizeRoute maps a request path to a bounded set of label values.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/api/v1/closures/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return "/api/v1/closures/{id}"
	}
	return "other"
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		route := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(route, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(route, r.Method).Observe(duration)
	})
}
