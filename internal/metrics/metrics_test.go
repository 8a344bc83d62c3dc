package metrics

import (
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/status", "/api/v1/status"},
		{"/api/v1/night", "/api/v1/night"},
		{"/api/v1/night/refresh", "/api/v1/night/refresh"},
		{"/api/v1/closures", "/api/v1/closures"},
		{"/api/v1/stream/status", "/api/v1/stream/status"},

		// Closure ids collapse to one label.
		{"/api/v1/closures/12", "/api/v1/closures/{id}"},
		{"/api/v1/closures/9999", "/api/v1/closures/{id}"},

		// Unknown/bot paths collapse to "other".
		{"/wp-admin", "other"},
		{"/api/v1/closures/", "other"},
		{"/api/v1/closures/1/x", "other"},
		{"/.env", "other"},
		{"/api/v2/status", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 closure ids produce exactly one
// distinct path label.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[normalizeRoute("/api/v1/closures/"+strconv.Itoa(i))] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for closure paths, got %d: %v", len(seen), seen)
	}
}

func TestSetAutoShutterStateOneHot(t *testing.T) {
	all := []string{"OFF", "INACTIVE", "CLEAR"}
	SetAutoShutterState("CLEAR", all)
	SetAutoShutterState("INACTIVE", all)

	if got := testutil.ToFloat64(autoShutterState.WithLabelValues("INACTIVE")); got != 1 {
		t.Errorf("INACTIVE = %v, want 1", got)
	}
	if got := testutil.ToFloat64(autoShutterState.WithLabelValues("CLEAR")); got != 0 {
		t.Errorf("CLEAR = %v, want 0", got)
	}
}
