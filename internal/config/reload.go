package config

import (
	"log/slog"
	"sync/atomic"
)

// Reloader re-reads the configuration and tells listeners what changed.
// Only the night twilight is applied at runtime; other changes are logged and
// take effect on restart.
type Reloader struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	// OnTwilight is called with the new twilight name when it changes.
	OnTwilight func(name string)
}

// NewReloader starts from cfg, which was loaded from path.
func NewReloader(path string, cfg *Config, logger *slog.Logger) *Reloader {
	r := &Reloader{path: path, logger: logger.With("component", "config")}
	r.current.Store(cfg)
	return r
}

// Current returns the latest valid configuration.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Reload reads the configuration again. An invalid configuration is logged
// and ignored. It reports whether anything changed.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Warn("config reload failed, keeping current", "error", err)
		return false
	}
	prev := r.current.Load()
	if *next == *prev {
		return false
	}
	r.current.Store(next)

	rest := *next
	rest.Night.Twilight = prev.Night.Twilight
	if rest != *prev {
		r.logger.Warn("config changed, restart to apply")
	}
	if next.Night.Twilight != prev.Night.Twilight {
		r.logger.Info("twilight changed", "from", prev.Night.Twilight, "to", next.Night.Twilight)
		if r.OnTwilight != nil {
			r.OnTwilight(next.Night.Twilight)
		}
	}
	return true
}
