package alarm

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Intervals are the cadences of the engine's periodic tasks.
type Intervals struct {
	Snapshot  time.Duration
	Clear     time.Duration
	Decision  time.Duration
	Retry     time.Duration
	Heartbeat time.Duration
}

// DefaultIntervals returns the production cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		Snapshot:  500 * time.Millisecond,
		Clear:     100 * time.Millisecond,
		Decision:  200 * time.Millisecond,
		Retry:     500 * time.Millisecond,
		Heartbeat: time.Second,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.Snapshot <= 0 {
		iv.Snapshot = def.Snapshot
	}
	if iv.Clear <= 0 {
		iv.Clear = def.Clear
	}
	if iv.Decision <= 0 {
		iv.Decision = def.Decision
	}
	if iv.Retry <= 0 {
		iv.Retry = def.Retry
	}
	if iv.Heartbeat <= 0 {
		iv.Heartbeat = def.Heartbeat
	}
	return iv
}

// Run starts every periodic task and blocks until ctx is cancelled. A cycle
// in progress always completes; cancellation is only observed between ticks.
func (e *Engine) Run(ctx context.Context, iv Intervals) error {
	iv = iv.withDefaults()
	e.Refresh()
	e.UpdateClear()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		every(ctx, iv.Snapshot, func() { e.Refresh() })
		return nil
	})
	g.Go(func() error {
		every(ctx, iv.Clear, func() { e.UpdateClear() })
		return nil
	})
	g.Go(func() error {
		every(ctx, iv.Decision, func() { e.Decide(ctx) })
		return nil
	})
	g.Go(func() error {
		every(ctx, iv.Retry, func() { e.RetryShutter(ctx) })
		return nil
	})
	g.Go(func() error {
		failing := false
		every(ctx, iv.Heartbeat, func() {
			if err := e.Heartbeat(ctx); err != nil {
				if !failing {
					e.logger.Error("heartbeat failed", "error", err)
				}
				failing = true
			} else if failing {
				e.logger.Info("heartbeat recovered")
				failing = false
			}
		})
		return nil
	})

	err := g.Wait()
	e.logger.Info("alarm engine stopped")
	return err
}

func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
