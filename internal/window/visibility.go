package window

import (
	"encoding/json"
	"time"
)

// RiseSet is one threshold crossing pair. Rise after Set is the wraparound
// case: visible at night start, sets, then rises again before night end.
type RiseSet struct {
	Rise time.Time `json:"rise"`
	Set  time.Time `json:"set"`
}

// Wraps reports whether the pair describes two sub-intervals.
func (p RiseSet) Wraps() bool {
	return p.Rise.After(p.Set)
}

// Visibility records when a position is above the horizon and above the
// laser elevation limit during one night. It is immutable; a missing pair
// means the position never reaches that threshold.
type Visibility struct {
	night   Window
	horizon *RiseSet
	limit   *RiseSet
}

// NewVisibility builds a visibility for night. Either pair may be nil.
func NewVisibility(night Window, horizon, limit *RiseSet) Visibility {
	v := Visibility{night: night}
	if horizon != nil {
		h := *horizon
		v.horizon = &h
	}
	if limit != nil {
		l := *limit
		v.limit = &l
	}
	return v
}

// Night is the interval the visibility was computed for.
func (v Visibility) Night() Window { return v.night }

// IsVisible reports whether the position rises above the horizon at all.
func (v Visibility) IsVisible() bool { return v.horizon != nil }

// IsAboveLimit reports whether the position rises above the elevation limit.
func (v Visibility) IsAboveLimit() bool { return v.limit != nil }

// Horizon returns the above-horizon pair.
func (v Visibility) Horizon() (RiseSet, bool) {
	if v.horizon == nil {
		return RiseSet{}, false
	}
	return *v.horizon, true
}

// Limit returns the above-elevation-limit pair.
func (v Visibility) Limit() (RiseSet, bool) {
	if v.limit == nil {
		return RiseSet{}, false
	}
	return *v.limit, true
}

// VisibleIntervals returns the intervals above the horizon.
func (v Visibility) VisibleIntervals() []Window {
	return v.intervals(v.horizon)
}

// LimitIntervals returns the intervals above the elevation limit.
func (v Visibility) LimitIntervals() []Window {
	return v.intervals(v.limit)
}

// Duration is the time above the horizon. In the wraparound case it is the
// longer of the two sub-intervals.
func (v Visibility) Duration() time.Duration {
	return v.duration(v.horizon)
}

// LimitDuration is Duration for the elevation limit pair.
func (v Visibility) LimitDuration() time.Duration {
	return v.duration(v.limit)
}

func (v Visibility) intervals(p *RiseSet) []Window {
	if p == nil {
		return nil
	}
	if !p.Wraps() {
		if !p.Rise.Before(p.Set) {
			return nil
		}
		return []Window{{Start: p.Rise, End: p.Set}}
	}
	var out []Window
	if v.night.Start.Before(p.Set) {
		out = append(out, Window{Start: v.night.Start, End: p.Set})
	}
	if p.Rise.Before(v.night.End) {
		out = append(out, Window{Start: p.Rise, End: v.night.End})
	}
	return out
}

func (v Visibility) duration(p *RiseSet) time.Duration {
	if p == nil {
		return 0
	}
	if !p.Wraps() {
		return p.Set.Sub(p.Rise)
	}
	return max(p.Set.Sub(v.night.Start), v.night.End.Sub(p.Rise))
}

type visibilityJSON struct {
	Night   Window   `json:"night"`
	Horizon *RiseSet `json:"horizon,omitempty"`
	Limit   *RiseSet `json:"limit,omitempty"`
}

func (v Visibility) MarshalJSON() ([]byte, error) {
	return json.Marshal(visibilityJSON{Night: v.night, Horizon: v.horizon, Limit: v.limit})
}
