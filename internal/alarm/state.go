// Package alarm assembles the propagation snapshot, evaluates whether the
// laser is clear to propagate, and drives the auto-shutter.
package alarm

import "fmt"

// State is the auto-shutter state.
type State int32

const (
	Off State = iota
	Inactive
	Clear
	Shuttering
	Shuttered
)

// States lists every state, in declaration order.
var States = []State{Off, Inactive, Clear, Shuttering, Shuttered}

func (s State) String() string {
	switch s {
	case Off:
		return "OFF"
	case Inactive:
		return "INACTIVE"
	case Clear:
		return "CLEAR"
	case Shuttering:
		return "SHUTTERING"
	case Shuttered:
		return "SHUTTERED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range States {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown auto-shutter state %q", b)
}

func stateNames() []string {
	out := make([]string, len(States))
	for i, s := range States {
		out[i] = s.String()
	}
	return out
}

// Inputs are the facts one decision cycle looks at.
type Inputs struct {
	InNight    bool
	Clear      bool
	LaserOnSky bool
}

// next returns the state that follows cur. OFF is sticky; only the operator
// leaves it.
func next(cur State, in Inputs) State {
	switch {
	case cur == Off:
		return Off
	case !in.InNight:
		return Inactive
	case in.Clear:
		return Clear
	case in.LaserOnSky:
		return Shuttering
	default:
		return Shuttered
	}
}
