package model

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// TestNightDuration is the length of a synthetic test night.
const TestNightDuration = 24 * time.Hour

// Night is one observing night at one site.
type Night struct {
	ID    string    `json:"id"`
	Site  string    `json:"site"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Observations []Observation                  `json:"observations"`
	Closures     []BlanketClosure               `json:"closures"`
	Targets      map[LaserTargetID]*LaserTarget `json:"targets"`

	// NextID feeds every id allocated within the night.
	NextID int64 `json:"nextId"`

	LatestPrmSent     time.Time `json:"latestPrmSent"`
	LatestPamReceived time.Time `json:"latestPamReceived"`

	// Propagation envelope: twilight bounds, or the night bounds for a test night.
	EarliestPropagation time.Time `json:"earliestPropagation"`
	LatestPropagation   time.Time `json:"latestPropagation"`

	// Notices from the latest confirmation ingestion.
	Notices []Notice `json:"notices,omitempty"`

	// laser targets already copied by this clone
	owned map[LaserTargetID]bool
}

// NightID names the night of site that starts on the calendar day of day.
func NightID(site string, day time.Time) string {
	return fmt.Sprintf("%s-%s", site, day.Format("20060102"))
}

// NewNight creates an empty night for site over bounds. The propagation
// envelope defaults to the whole night.
func NewNight(site string, bounds window.Window) *Night {
	return &Night{
		ID:                  NightID(site, bounds.Start),
		Site:                site,
		Start:               bounds.Start,
		End:                 bounds.End,
		Targets:             make(map[LaserTargetID]*LaserTarget),
		NextID:              1,
		EarliestPropagation: bounds.Start,
		LatestPropagation:   bounds.End,
	}
}

// Bounds returns [Start, End).
func (n *Night) Bounds() window.Window {
	return window.Window{Start: n.Start, End: n.End}
}

// Covers reports whether Start <= t < End.
func (n *Night) Covers(t time.Time) bool {
	return n.Bounds().Contains(t)
}

// IsTestNight reports whether the night is a synthetic 24 hour test night.
func (n *Night) IsTestNight() bool {
	return n.End.Sub(n.Start) == TestNightDuration
}

// Envelope returns the interval during which propagation may be allowed: the
// whole night for a test night, the twilight bounds otherwise.
func (n *Night) Envelope() window.Window {
	if n.IsTestNight() {
		return n.Bounds()
	}
	return window.Window{Start: n.EarliestPropagation, End: n.LatestPropagation}
}

// Transmitted reports whether a clearance request was ever sent.
func (n *Night) Transmitted() bool {
	return !n.LatestPrmSent.IsZero()
}

// Clone returns a copy that can be mutated without affecting n. Laser targets
// are shared until modified through MutableTarget, so untouched targets keep
// their identity.
func (n *Night) Clone() *Night {
	c := *n
	c.Observations = make([]Observation, len(n.Observations))
	for i, o := range n.Observations {
		c.Observations[i] = o.clone()
	}
	c.Closures = slices.Clone(n.Closures)
	c.Notices = slices.Clone(n.Notices)
	c.Targets = make(map[LaserTargetID]*LaserTarget, len(n.Targets))
	for id, lt := range n.Targets {
		c.Targets[id] = lt
	}
	c.owned = nil
	return &c
}

func (n *Night) allocID() int64 {
	if n.NextID < 1 {
		n.NextID = 1
	}
	id := n.NextID
	n.NextID++
	return id
}

// NewTargetID allocates an observation target id.
func (n *Night) NewTargetID() int64 {
	return n.allocID()
}

// LaserTarget returns the laser target with the given id.
func (n *Night) LaserTarget(id LaserTargetID) (*LaserTarget, bool) {
	lt, ok := n.Targets[id]
	return lt, ok
}

// MutableTarget returns a private copy of the laser target that may be
// modified in place.
func (n *Night) MutableTarget(id LaserTargetID) (*LaserTarget, bool) {
	lt, ok := n.Targets[id]
	if !ok {
		return nil, false
	}
	if n.owned[id] {
		return lt, true
	}
	c := lt.clone()
	n.Targets[id] = c
	if n.owned == nil {
		n.owned = make(map[LaserTargetID]bool)
	}
	n.owned[id] = true
	return c, true
}

// AddLaserTarget creates an untransmitted laser target at pos.
func (n *Night) AddLaserTarget(pos sky.Coordinates) *LaserTarget {
	if n.Targets == nil {
		n.Targets = make(map[LaserTargetID]*LaserTarget)
	}
	lt := &LaserTarget{ID: LaserTargetID(n.allocID()), Position: pos}
	n.Targets[lt.ID] = lt
	if n.owned == nil {
		n.owned = make(map[LaserTargetID]bool)
	}
	n.owned[lt.ID] = true
	return lt
}

// LaserTargets returns every laser target ordered by id.
func (n *Night) LaserTargets() []*LaserTarget {
	out := make([]*LaserTarget, 0, len(n.Targets))
	for _, lt := range n.Targets {
		out = append(out, lt)
	}
	slices.SortFunc(out, func(a, b *LaserTarget) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Nearest returns the laser target of pos's frame closest to pos among those
// accepted by keep (nil keeps all), with its distance in degrees.
func (n *Night) Nearest(pos sky.Coordinates, keep func(*LaserTarget) bool) (*LaserTarget, float64) {
	var best *LaserTarget
	bestDist := math.Inf(1)
	for _, lt := range n.LaserTargets() {
		if lt.Position.Frame != pos.Frame {
			continue
		}
		if keep != nil && !keep(lt) {
			continue
		}
		if d := sky.Distance(pos, lt.Position); d < bestDist {
			best, bestDist = lt, d
		}
	}
	return best, bestDist
}

// EachTarget calls fn for every observation target, in observation order.
// fn may modify the target in place.
func (n *Night) EachTarget(fn func(o *Observation, t *ObservationTarget)) {
	for i := range n.Observations {
		o := &n.Observations[i]
		for j := range o.Targets {
			fn(o, &o.Targets[j])
		}
	}
}

// StateCounts returns the number of observation targets per state.
func (n *Night) StateCounts() map[State]int {
	counts := map[State]int{StateOK: 0, StateAdded: 0, StateRemoved: 0}
	n.EachTarget(func(_ *Observation, t *ObservationTarget) {
		counts[t.State]++
	})
	return counts
}

// referenced returns the laser targets some observation target points at.
func (n *Night) referenced() map[LaserTargetID]bool {
	refs := make(map[LaserTargetID]bool)
	n.EachTarget(func(_ *Observation, t *ObservationTarget) {
		if t.LaserTarget != 0 {
			refs[t.LaserTarget] = true
		}
	})
	return refs
}

// PruneOrphans deletes untransmitted laser targets that no observation target
// references and returns how many were removed. Transmitted targets are kept
// since their clearances may still be recycled.
func (n *Night) PruneOrphans() int {
	refs := n.referenced()
	removed := 0
	for id, lt := range n.Targets {
		if !lt.Transmitted && !refs[id] {
			delete(n.Targets, id)
			delete(n.owned, id)
			removed++
		}
	}
	return removed
}

// MarkTransmitted records that a clearance request went out at sent: every
// untransmitted laser target becomes transmitted and every ADDED observation
// target becomes OK. Nothing is modified when an ADDED target lacks a laser
// target.
func (n *Night) MarkTransmitted(sent time.Time) (int, error) {
	var dangling error
	n.EachTarget(func(o *Observation, t *ObservationTarget) {
		if dangling != nil || t.State != StateAdded {
			return
		}
		if _, ok := n.Targets[t.LaserTarget]; !ok {
			dangling = fmt.Errorf("%w: observation %s target %q has no laser target (id %d)",
				ErrIntegrity, o.ID, t.Name, t.LaserTarget)
		}
	})
	if dangling != nil {
		return 0, dangling
	}

	marked := 0
	for id, lt := range n.Targets {
		if lt.Transmitted {
			continue
		}
		m, _ := n.MutableTarget(id)
		m.Transmitted = true
		marked++
	}

	var err error
	n.EachTarget(func(o *Observation, t *ObservationTarget) {
		if t.State != StateAdded || err != nil {
			return
		}
		if lt := n.Targets[t.LaserTarget]; !lt.Transmitted {
			err = fmt.Errorf("%w: promoting %q of %s before laser target %d is transmitted",
				ErrIntegrity, t.Name, o.ID, lt.ID)
			return
		}
		t.State = StateOK
	})
	if err != nil {
		return 0, err
	}

	n.LatestPrmSent = sent
	return marked, nil
}

// ReplaceWindows replaces the propagation windows of a laser target
// wholesale. A timestamp not newer than the stored one returns ErrStale;
// overlapping windows return ErrIntegrity. Either way the target is unchanged.
func (n *Night) ReplaceWindows(id LaserTargetID, ts time.Time, ws []window.Window) error {
	lt, ok := n.Targets[id]
	if !ok {
		return fmt.Errorf("%w: unknown laser target %d", ErrIntegrity, id)
	}
	if !ts.After(lt.WindowsTimestamp) {
		return fmt.Errorf("%w: target %d has %s, got %s", ErrStale, id,
			lt.WindowsTimestamp.UTC().Format(time.RFC3339), ts.UTC().Format(time.RFC3339))
	}
	for _, w := range ws {
		if !w.Start.Before(w.End) {
			return fmt.Errorf("%w: target %d window %s is empty", ErrIntegrity, id, w)
		}
	}
	if !window.Disjoint(ws) {
		return fmt.Errorf("%w: target %d has overlapping propagation windows", ErrIntegrity, id)
	}

	sorted := slices.Clone(ws)
	window.Sort(sorted)
	pws := make([]PropagationWindow, len(sorted))
	for i, w := range sorted {
		pws[i] = PropagationWindow{ID: n.allocID(), Window: w}
	}

	m, _ := n.MutableTarget(id)
	m.Windows = pws
	m.WindowsTimestamp = ts
	return nil
}

// AddClosure adds a blanket closure and returns it with its id.
func (n *Night) AddClosure(w window.Window) (BlanketClosure, error) {
	if !w.Start.Before(w.End) {
		return BlanketClosure{}, window.ErrEmpty
	}
	c := BlanketClosure{ID: n.allocID(), Window: w}
	n.Closures = append(n.Closures, c)
	slices.SortStableFunc(n.Closures, func(a, b BlanketClosure) int {
		return window.Compare(a.Window, b.Window)
	})
	return c, nil
}

// UpdateClosure changes the interval of an existing closure.
func (n *Night) UpdateClosure(id int64, w window.Window) bool {
	if !w.Start.Before(w.End) {
		return false
	}
	for i := range n.Closures {
		if n.Closures[i].ID == id {
			n.Closures[i].Window = w
			slices.SortStableFunc(n.Closures, func(a, b BlanketClosure) int {
				return window.Compare(a.Window, b.Window)
			})
			return true
		}
	}
	return false
}

// RemoveClosure deletes a closure by id.
func (n *Night) RemoveClosure(id int64) bool {
	for i, c := range n.Closures {
		if c.ID == id {
			n.Closures = slices.Delete(n.Closures, i, i+1)
			return true
		}
	}
	return false
}

// ClosureWindows returns the closures as bare windows.
func (n *Night) ClosureWindows() []window.Window {
	out := make([]window.Window, len(n.Closures))
	for i, c := range n.Closures {
		out[i] = c.Window
	}
	return out
}

// Validate checks the ownership and ordering invariants. It is run on nights
// read back from disk.
func (n *Night) Validate() error {
	if !n.Start.Before(n.End) {
		return fmt.Errorf("%w: night %s ends before it starts", ErrIntegrity, n.ID)
	}
	for _, o := range n.Observations {
		if len(o.Targets) == 0 {
			return fmt.Errorf("%w: observation %s has no targets", ErrIntegrity, o.ID)
		}
		for _, t := range o.Targets {
			if t.LaserTarget == 0 {
				continue
			}
			if _, ok := n.Targets[t.LaserTarget]; !ok {
				return fmt.Errorf("%w: observation %s target %q references missing laser target %d",
					ErrIntegrity, o.ID, t.Name, t.LaserTarget)
			}
		}
	}
	for id, lt := range n.Targets {
		if lt.ID != id {
			return fmt.Errorf("%w: laser target %d stored under id %d", ErrIntegrity, lt.ID, id)
		}
		if !window.Disjoint(lt.Intervals()) {
			return fmt.Errorf("%w: laser target %d has overlapping propagation windows", ErrIntegrity, id)
		}
	}
	return nil
}
