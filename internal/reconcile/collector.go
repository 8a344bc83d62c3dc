package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/metrics"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/plan"
)

// Collector queries the plan for a night, reconciles it, and gives every
// unassigned target a laser target.
type Collector struct {
	source   plan.Source
	engine   Engine
	groupDeg float64
	logger   *slog.Logger
}

// NewCollector creates a Collector. Unassigned targets within groupDeg of an
// untransmitted laser target share it.
func NewCollector(source plan.Source, engine Engine, groupDeg float64, logger *slog.Logger) *Collector {
	return &Collector{
		source:   source,
		engine:   engine,
		groupDeg: groupDeg,
		logger:   logger.With("component", "collector"),
	}
}

// Collect returns a reconciled clone of n. n itself is never modified.
func (c *Collector) Collect(ctx context.Context, n *model.Night) (*model.Night, Result, error) {
	fresh, err := c.Fetch(ctx, n)
	if err != nil {
		return nil, Result{}, err
	}
	next, res := c.Apply(n, fresh)
	return next, res, nil
}

// Fetch queries the plan for the night n covers.
func (c *Collector) Fetch(ctx context.Context, n *model.Night) ([]model.Observation, error) {
	start := time.Now()
	entries, err := c.source.Query(ctx, n.Site, n.Start)
	if err != nil {
		return nil, fmt.Errorf("querying plan for %s: %w", n.ID, err)
	}
	fresh := plan.Observations(entries, c.logger)
	c.logger.Debug("plan queried",
		"night", n.ID,
		"entries", len(entries),
		"observations", len(fresh),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return fresh, nil
}

// Apply reconciles a clone of n with fresh and assigns laser targets.
// n itself is never modified.
func (c *Collector) Apply(n *model.Night, fresh []model.Observation) (*model.Night, Result) {
	next := n.Clone()
	res := c.engine.Reconcile(next, fresh)
	created := c.Assign(next, res.Unassigned)
	next.PruneOrphans()

	counts := make(map[string]int, len(res.Counts))
	for s, v := range res.Counts {
		counts[s.String()] = v
	}
	metrics.SetObservationTargets(counts)

	c.logger.Info("plan reconciled",
		"night", next.ID,
		"mode", res.Mode.String(),
		"observations", len(next.Observations),
		"ok", res.Counts[model.StateOK],
		"added", res.Counts[model.StateAdded],
		"removed", res.Counts[model.StateRemoved],
		"recycled", res.Recycled,
		"new_laser_targets", created,
	)
	return next, res
}

// Assign attaches each referenced target to the nearest untransmitted laser
// target within the grouping distance, creating one when none is close
// enough. It returns the number of laser targets created.
func (c *Collector) Assign(n *model.Night, refs []TargetRef) int {
	want := make(map[TargetRef]bool, len(refs))
	for _, r := range refs {
		want[r] = true
	}
	pending := func(lt *model.LaserTarget) bool { return !lt.Transmitted }

	created := 0
	n.EachTarget(func(o *model.Observation, t *model.ObservationTarget) {
		if !want[TargetRef{Observation: o.ID, Target: t.ID}] {
			return
		}
		if lt, d := n.Nearest(t.Position, pending); lt != nil && d <= c.groupDeg {
			t.LaserTarget = lt.ID
			return
		}
		t.LaserTarget = n.AddLaserTarget(t.Position).ID
		created++
	})
	return created
}
