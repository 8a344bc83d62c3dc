package window

import "slices"

// Shutter is a window during which the laser must not fire. Closure marks a
// blanket closure entered by an operator; otherwise it is a gap between two
// propagation windows.
type Shutter struct {
	Window
	Closure bool `json:"closure"`
}

// Windows strips the shutter kind.
func Windows(ss []Shutter) []Window {
	out := make([]Window, len(ss))
	for i, s := range ss {
		out[i] = s.Window
	}
	return out
}

// MergeClosures removes from gaps every portion covered by a blanket closure
// and then adds the closures themselves, sorted by start.
func MergeClosures(gaps []Shutter, closures []Window) []Shutter {
	remaining := Windows(gaps)
	for _, c := range closures {
		remaining = SubtractClosure(remaining, c)
	}

	out := make([]Shutter, 0, len(remaining)+len(closures))
	for _, w := range remaining {
		out = append(out, Shutter{Window: w})
	}
	for _, c := range closures {
		out = append(out, Shutter{Window: c, Closure: true})
	}
	slices.SortStableFunc(out, func(a, b Shutter) int {
		return Compare(a.Window, b.Window)
	})
	return out
}
