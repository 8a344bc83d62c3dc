package nightstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/reconcile"
	"github.com/gemini-hlsw/lch-sub000/internal/visibility"
)

// Collector reconciles a night against the plan. Fetch may block on the
// network; Apply must not.
type Collector interface {
	Fetch(ctx context.Context, n *model.Night) ([]model.Observation, error)
	Apply(n *model.Night, fresh []model.Observation) (*model.Night, reconcile.Result)
}

// Manager keeps the store on the right night and refreshes it from the plan.
type Manager struct {
	site      ephemeris.Site
	twilight  atomic.Int32 // ephemeris.Twilight
	testNight bool

	store     *Store
	archive   *Archive
	collector Collector
	logger    *slog.Logger
	now       func() time.Time
}

// ManagerConfig selects how nights are bounded.
type ManagerConfig struct {
	Site      ephemeris.Site
	Twilight  ephemeris.Twilight
	TestNight bool // 24 hour nights from local noon
}

// NewManager creates a Manager. archive and collector may be nil.
func NewManager(cfg ManagerConfig, store *Store, archive *Archive, collector Collector, logger *slog.Logger) *Manager {
	m := &Manager{
		site:      cfg.Site,
		testNight: cfg.TestNight,
		store:     store,
		archive:   archive,
		collector: collector,
		logger:    logger.With("component", "night-manager"),
		now:       time.Now,
	}
	m.twilight.Store(int32(cfg.Twilight))
	return m
}

// SetTwilight changes the twilight used for nights created from now on.
func (m *Manager) SetTwilight(tw ephemeris.Twilight) {
	m.twilight.Store(int32(tw))
}

// nightDay returns the calendar day whose night is in progress at t. Nights
// turn over at local noon.
func (m *Manager) nightDay(t time.Time) time.Time {
	local := m.site.Local(t).Add(-12 * time.Hour)
	return time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, local.Location())
}

// Ensure makes the night in progress at now the current one, loading it from
// the archive or creating it. It reports whether the current night changed.
func (m *Manager) Ensure() (bool, error) {
	day := m.nightDay(m.now())
	id := model.NightID(m.site.Name, day)
	if cur := m.store.Get(); cur != nil && cur.ID == id {
		return false, nil
	}

	if m.archive != nil {
		n, ts, err := m.archive.LoadLatest(id)
		switch {
		case err == nil:
			m.store.Set(n)
			m.logger.Info("night loaded from archive", "night", n.ID, "archived_at", ts.UTC().Format(time.RFC3339))
			return true, nil
		case !errors.Is(err, ErrNotArchived):
			m.logger.Warn("archived night unusable, creating a new one", "night", id, "error", err)
		}
	}

	n, err := m.NewNight(day)
	if err != nil {
		return false, err
	}
	m.store.Set(n)
	m.logger.Info("night created",
		"night", n.ID,
		"start", n.Start.UTC().Format(time.RFC3339),
		"end", n.End.UTC().Format(time.RFC3339),
		"earliest_propagation", n.EarliestPropagation.UTC().Format(time.RFC3339),
		"latest_propagation", n.LatestPropagation.UTC().Format(time.RFC3339),
		"test_night", n.IsTestNight(),
	)
	return true, nil
}

// NewNight builds an empty night for day with its propagation envelope.
func (m *Manager) NewNight(day time.Time) (*model.Night, error) {
	if m.testNight {
		return model.NewNight(m.site.Name, visibility.SyntheticNightBounds(m.site, day)), nil
	}

	bounds, err := visibility.NightBounds(m.site, day)
	if err != nil {
		return nil, err
	}
	n := model.NewNight(m.site.Name, bounds)
	tw := ephemeris.Twilight(m.twilight.Load())
	env, err := visibility.TwilightBounds(m.site, bounds, tw)
	if err != nil {
		return nil, fmt.Errorf("%s twilight of %s: %w", tw, n.ID, err)
	}
	n.EarliestPropagation, n.LatestPropagation = env.Start, env.End
	return n, nil
}

// Refresh rolls over if needed and reconciles the current night with the
// plan. The plan is queried without holding the store lock, so closure and
// confirmation updates are not held up by a slow plan source. A result for a
// night that has since rolled over is discarded.
func (m *Manager) Refresh(ctx context.Context) (reconcile.Result, error) {
	if _, err := m.Ensure(); err != nil {
		return reconcile.Result{}, fmt.Errorf("ensuring current night: %w", err)
	}
	if m.collector == nil {
		return reconcile.Result{}, nil
	}
	queried := m.store.Get()
	if queried == nil {
		return reconcile.Result{}, ErrNoNight
	}

	fresh, err := m.collector.Fetch(ctx, queried)
	if err != nil {
		return reconcile.Result{}, err
	}

	var res reconcile.Result
	_, err = m.store.Update(func(cur *model.Night) (*model.Night, error) {
		if cur.ID != queried.ID {
			m.logger.Info("night rolled over during plan query, discarding result", "queried", queried.ID, "current", cur.ID)
			return cur, nil
		}
		next, r := m.collector.Apply(cur, fresh)
		res = r
		return next, nil
	})
	return res, err
}

// Run refreshes every interval until ctx is cancelled. onTick, if set, runs
// after each refresh, e.g. to reload configuration.
func (m *Manager) Run(ctx context.Context, interval time.Duration, onTick func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("night refresh failed", "error", err)
		}
		if onTick != nil {
			onTick()
		}

		select {
		case <-ctx.Done():
			m.logger.Info("night manager stopped")
			return
		case <-ticker.C:
		}
	}
}
