package tcs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Poller reads the telescope status on a fixed interval and publishes the
// latest read.
type Poller struct {
	client   *Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	current atomic.Pointer[Status]
}

// NewPoller creates a Poller. Each read is bounded by timeout.
func NewPoller(client *Client, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Poller{
		client:   client,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "tcs-poller"),
	}
}

// Get returns the latest status, or nil before the first read.
func (p *Poller) Get() *Status {
	return p.current.Load()
}

// Poll performs one read and publishes it. A failed read publishes the
// previous pointing with the error set, so consumers see the channel as
// degraded rather than stale.
func (p *Poller) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	st, err := p.client.ReadStatus(ctx)
	if err != nil {
		next := Status{ReadAt: st.ReadAt, Err: err.Error()}
		if prev := p.current.Load(); prev != nil {
			next.RaDec, next.AzEl, next.LaserOnSky, next.TCSTime = prev.RaDec, prev.AzEl, prev.LaserOnSky, prev.TCSTime
		}
		p.current.Store(&next)
		return err
	}
	p.current.Store(&st)
	return nil
}

// Run polls until ctx is cancelled. Failures are logged on transition only.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("tcs poller stopped")
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				if !failing {
					p.logger.Warn("tcs status read failed", "error", err)
				}
				failing = true
			} else if failing {
				p.logger.Info("tcs status read recovered")
				failing = false
			}
		}
	}
}

// Watchdog re-dials the channel after a long silence.
type Watchdog struct {
	client   *Client
	interval time.Duration
	silence  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time
}

// NewWatchdog creates a Watchdog that checks every interval and reconnects
// once the channel has not answered for silence.
func NewWatchdog(client *Client, interval, silence time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if silence <= 0 {
		silence = 3 * time.Minute
	}
	return &Watchdog{
		client:   client,
		interval: interval,
		silence:  silence,
		logger:   logger.With("component", "tcs-watchdog"),
		now:      time.Now,
	}
}

// Check reconnects if the channel has been silent too long and reports
// whether it did.
func (w *Watchdog) Check() bool {
	now := w.now()
	if w.started.IsZero() {
		w.started = now
	}
	last := w.client.LastContact()
	if last.IsZero() {
		last = w.started
	}
	quiet := now.Sub(last)
	if quiet < w.silence {
		return false
	}

	w.logger.Warn("tcs channel silent, reconnecting", "silent_seconds", int(quiet.Seconds()))
	if err := w.client.Reconnect(); err != nil {
		w.logger.Error("tcs reconnect failed", "error", err)
	}
	// Restart the silence clock so the next attempt waits a full period.
	w.started = now
	w.client.lastContact.Store(0)
	return true
}

// Run checks every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}
