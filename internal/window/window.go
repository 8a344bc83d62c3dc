// Package window implements half-open time intervals and the algebra used to
// turn approved propagation windows, shuttering gaps and blanket closures into
// the effective clearance for a night.
//
// Every function here is pure: the effective clearance for an instant is a
// deterministic function of the raw windows, the closures and the buffers.
package window

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrEmpty is returned when a window would not satisfy start < end.
var ErrEmpty = errors.New("window start must be before end")

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New validates start < end.
func New(start, end time.Time) (Window, error) {
	if !start.Before(end) {
		return Window{}, fmt.Errorf("%w: [%s, %s)", ErrEmpty,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return Window{Start: start, End: end}, nil
}

// Contains reports whether t is in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether w and o share at least one instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Equal compares start and end instants.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Compare orders windows by start, then end.
func Compare(a, b Window) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.End.Compare(b.End)
}

// Sort orders ws in place by start time.
func Sort(ws []Window) {
	slices.SortStableFunc(ws, Compare)
}

// Disjoint reports whether no two windows overlap. Touching windows
// (one ends where the next starts) are disjoint.
func Disjoint(ws []Window) bool {
	sorted := slices.Clone(ws)
	Sort(sorted)
	for i := 0; i+1 < len(sorted); i++ {
		if sorted[i].End.After(sorted[i+1].Start) {
			return false
		}
	}
	return true
}

// Gaps returns the shuttering windows between n time-ordered, disjoint
// windows: one per adjacent pair, so at most n-1. Touching windows leave no
// time to shutter and produce no gap. Nothing is produced before the first
// or after the last window.
func Gaps(ws []Window) []Shutter {
	if len(ws) < 2 {
		return nil
	}
	gaps := make([]Shutter, 0, len(ws)-1)
	for i := 0; i+1 < len(ws); i++ {
		if !ws[i].End.Before(ws[i+1].Start) {
			continue
		}
		gaps = append(gaps, Shutter{Window: Window{Start: ws[i].End, End: ws[i+1].Start}})
	}
	return gaps
}

// SubtractClosure removes closure c from every window that overlaps it.
// A window strictly spanning c becomes two windows; a window covered by c
// disappears. The result keeps the input order and is not re-sorted.
func SubtractClosure(ws []Window, c Window) []Window {
	out := make([]Window, 0, len(ws)+1)
	for _, w := range ws {
		if !w.Overlaps(c) {
			out = append(out, w)
			continue
		}
		if w.Start.Before(c.Start) {
			out = append(out, Window{Start: w.Start, End: c.Start})
		}
		if c.End.Before(w.End) {
			out = append(out, Window{Start: c.End, End: w.End})
		}
	}
	return out
}

// SubtractClosures folds SubtractClosure over cs and sorts the result.
func SubtractClosures(ws []Window, cs []Window) []Window {
	out := slices.Clone(ws)
	for _, c := range cs {
		out = SubtractClosure(out, c)
	}
	Sort(out)
	return out
}

// Buffer widens every window by before at the start and after at the end.
func Buffer(ws []Window, before, after time.Duration) []Window {
	out := make([]Window, len(ws))
	for i, w := range ws {
		out[i] = Window{Start: w.Start.Add(-before), End: w.End.Add(after)}
	}
	return out
}

// Coalesce merges overlapping or touching windows into a sorted, disjoint list.
func Coalesce(ws []Window) []Window {
	if len(ws) == 0 {
		return nil
	}
	sorted := slices.Clone(ws)
	Sort(sorted)

	out := []Window{sorted[0]}
	for _, w := range sorted[1:] {
		last := &out[len(out)-1]
		if !w.Start.After(last.End) {
			if w.End.After(last.End) {
				last.End = w.End
			}
			continue
		}
		out = append(out, w)
	}
	return out
}

// Find returns the window containing t.
func Find(ws []Window, t time.Time) (Window, bool) {
	for _, w := range ws {
		if w.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}
