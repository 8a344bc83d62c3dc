package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ltts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.False(t, cfg.Production())
	assert.Equal(t, 500*time.Millisecond, cfg.Alarm.SnapshotInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Alarm.ClearInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Alarm.DecisionInterval)
	assert.Equal(t, time.Second, cfg.Alarm.HeartbeatInterval)
	assert.Equal(t, 3*time.Minute, cfg.TCS.WatchdogSilence)

	site, err := cfg.SiteSpec()
	require.NoError(t, err)
	assert.Equal(t, "GN", site.Name)
	tw, err := cfg.TwilightSpec()
	require.NoError(t, err)
	assert.Equal(t, ephemeris.Nautical, tw)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
environment: production
site:
  name: GS
  lat_deg: -30.2407
  lon_deg: -70.7366
  alt_m: 2722
  timezone: America/Santiago
alarm:
  error_cone_deg: 0.02
  settle_time: 1500ms
`)
	t.Setenv("LTTS_ALARM_BUFFER_BEFORE", "90s")
	t.Setenv("LTTS_TCS_ADDR", "tcs-redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.Equal(t, "GS", cfg.Site.Name)
	assert.Equal(t, 0.02, cfg.Alarm.ErrorConeDeg)
	assert.Equal(t, 1500*time.Millisecond, cfg.Alarm.SettleTime)
	assert.Equal(t, 90*time.Second, cfg.Alarm.BufferBefore)
	assert.Equal(t, 30*time.Second, cfg.Alarm.BufferAfter)
	assert.Equal(t, "tcs-redis:6379", cfg.TCS.Addr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name string
		body string
	}{
		{"auth without token", "auth:\n  enabled: true\n"},
		{"bad timezone", "site:\n  timezone: Mars/Olympus\n"},
		{"bad twilight", "night:\n  twilight: dusk\n"},
		{"zero cone", "alarm:\n  error_cone_deg: 0\n"},
		{"negative buffer", "alarm:\n  buffer_after: -1s\n"},
		{"unknown backend", "tcs:\n  backend: epics\n"},
		{"memory in production", "environment: production\ntcs:\n  backend: memory\n"},
		{"zero interval", "alarm:\n  clear_interval: 0s\n"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestReloaderAppliesTwilight(t *testing.T) {
	path := writeConfig(t, "night:\n  twilight: civil\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	r := NewReloader(path, cfg, testLogger)
	var got []string
	r.OnTwilight = func(name string) { got = append(got, name) }

	assert.False(t, r.Reload())

	require.NoError(t, os.WriteFile(path, []byte("night:\n  twilight: astronomical\n"), 0o644))
	assert.True(t, r.Reload())
	assert.Equal(t, []string{"astronomical"}, got)
	assert.Equal(t, "astronomical", r.Current().Night.Twilight)

	// An invalid file keeps the current configuration.
	require.NoError(t, os.WriteFile(path, []byte("night:\n  twilight: dusk\n"), 0o644))
	assert.False(t, r.Reload())
	assert.Equal(t, "astronomical", r.Current().Night.Twilight)
}
