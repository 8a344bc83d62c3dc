// Package reconcile keeps a night's observations in step with the observing
// plan while preserving clearances that were already requested.
package reconcile

import (
	"github.com/gemini-hlsw/lch-sub000/internal/model"
)

// Mode selects how fresh observations are folded into a night.
type Mode int

const (
	// Replace discards the stored observations. Used until the first
	// clearance request has been sent.
	Replace Mode = iota
	// Update tracks per-target lifecycle state against what was sent.
	Update
)

func (m Mode) String() string {
	if m == Update {
		return "update"
	}
	return "replace"
}

// DefaultEpsilon is the coordinate tolerance, in degrees, for matching stored
// targets to fresh ones. Sources round coordinates differently.
const DefaultEpsilon = 1e-4

// Engine reconciles one night at a time. It never talks to the plan source;
// callers hand it the fresh observations.
type Engine struct {
	Epsilon       float64 // per-component match tolerance, degrees
	MaxRecycleDeg float64 // max distance to reuse a transmitted laser target
}

// TargetRef points at an observation target inside a night.
type TargetRef struct {
	Observation string
	Target      int64
}

// Result summarizes one reconciliation.
type Result struct {
	Mode     Mode
	Counts   map[model.State]int
	Reset    int // ADDED targets dropped before matching
	Recycled int // ADDED targets attached to a transmitted laser target

	// Unassigned lists ADDED targets that still need a new laser target.
	Unassigned []TargetRef
}

// Reconcile picks the mode from the night's transmission history.
func (e Engine) Reconcile(n *model.Night, fresh []model.Observation) Result {
	if n.Transmitted() {
		return e.Update(n, fresh)
	}
	return e.Replace(n, fresh)
}

// Replace stores fresh verbatim. Every target is OK and unassigned; laser
// targets left unreferenced stay in the night until the caller prunes them,
// so it can reuse their positions.
func (e Engine) Replace(n *model.Night, fresh []model.Observation) Result {
	res := Result{Mode: Replace}
	n.Observations = make([]model.Observation, 0, len(fresh))
	for _, o := range fresh {
		obs := model.Observation{ID: o.ID, Targets: make([]model.ObservationTarget, 0, len(o.Targets))}
		for _, t := range o.Targets {
			t.ID = n.NewTargetID()
			t.State = model.StateOK
			t.LaserTarget = 0
			obs.Targets = append(obs.Targets, t)
			res.Unassigned = append(res.Unassigned, TargetRef{Observation: obs.ID, Target: t.ID})
		}
		n.Observations = append(n.Observations, obs)
	}
	res.Counts = n.StateCounts()
	return res
}

// Update runs the full reconciliation against what has already been sent.
func (e Engine) Update(n *model.Night, fresh []model.Observation) Result {
	res := Result{Mode: Update}
	res.Reset = reset(n)

	eps := e.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}

	byID := make(map[string]*model.Observation, len(fresh))
	for i := range fresh {
		byID[fresh[i].ID] = &fresh[i]
	}
	seen := make(map[string]bool, len(n.Observations))

	for i := range n.Observations {
		old := &n.Observations[i]
		seen[old.ID] = true

		nu, ok := byID[old.ID]
		if !ok {
			for j := range old.Targets {
				old.Targets[j].State = model.StateRemoved
			}
			continue
		}
		matchTargets(n, old, nu.Targets, eps)
	}

	for _, o := range fresh {
		if seen[o.ID] {
			continue
		}
		obs := model.Observation{ID: o.ID}
		for _, t := range o.Targets {
			obs.Targets = append(obs.Targets, added(n, t))
		}
		n.Observations = append(n.Observations, obs)
	}

	res.Recycled, res.Unassigned = e.recycle(n)
	res.Counts = n.StateCounts()
	return res
}

// reset drops every ADDED target and the observations it empties. Their
// untransmitted laser targets stay so that Assign hands them back to the same
// targets; the caller prunes whatever is left unreferenced.
func reset(n *model.Night) int {
	dropped := 0
	kept := n.Observations[:0]
	for _, o := range n.Observations {
		targets := o.Targets[:0]
		for _, t := range o.Targets {
			if t.State == model.StateAdded {
				dropped++
				continue
			}
			targets = append(targets, t)
		}
		if len(targets) == 0 {
			continue
		}
		o.Targets = targets
		kept = append(kept, o)
	}
	n.Observations = kept
	return dropped
}

// matchTargets pairs stored and fresh targets by type and position.
func matchTargets(n *model.Night, old *model.Observation, fresh []model.ObservationTarget, eps float64) {
	used := make([]bool, len(fresh))
	for i := range old.Targets {
		t := &old.Targets[i]
		t.State = model.StateRemoved
		for j, f := range fresh {
			if used[j] || f.Type != t.Type || !t.Position.Close(f.Position, eps) {
				continue
			}
			used[j] = true
			t.State = model.StateOK
			break
		}
	}
	for j, f := range fresh {
		if !used[j] {
			old.Targets = append(old.Targets, added(n, f))
		}
	}
}

func added(n *model.Night, t model.ObservationTarget) model.ObservationTarget {
	t.ID = n.NewTargetID()
	t.State = model.StateAdded
	t.LaserTarget = 0
	return t
}

// recycle attaches each unassigned ADDED target to the nearest transmitted
// laser target within MaxRecycleDeg.
func (e Engine) recycle(n *model.Night) (int, []TargetRef) {
	transmitted := func(lt *model.LaserTarget) bool { return lt.Transmitted }

	recycled := 0
	var unassigned []TargetRef
	n.EachTarget(func(o *model.Observation, t *model.ObservationTarget) {
		if t.State != model.StateAdded || t.LaserTarget != 0 {
			return
		}
		if lt, d := n.Nearest(t.Position, transmitted); lt != nil && d <= e.MaxRecycleDeg {
			t.LaserTarget = lt.ID
			recycled++
			return
		}
		unassigned = append(unassigned, TargetRef{Observation: o.ID, Target: t.ID})
	})
	return recycled, unassigned
}
