// Package model holds the laser night: observations, the observation targets
// they point at, the laser targets that carry clearances, propagation windows
// and blanket closures.
//
// A Night owns everything it references. Cross references are ids, never
// pointers, and a Night is mutated only on a Clone that is then published
// wholesale.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

var (
	// ErrIntegrity marks data that violates a night invariant. The operation
	// that hit it must be abandoned as a unit.
	ErrIntegrity = errors.New("night integrity violation")

	// ErrStale means a confirmation is not newer than the one already stored.
	ErrStale = errors.New("confirmation not newer than stored windows")
)

// LaserTargetID identifies a laser target within its night.
type LaserTargetID int64

// TargetType is the role of an observation target.
type TargetType string

const (
	TypeBase        TargetType = "base"
	TypeGuide       TargetType = "guide"
	TypeEngineering TargetType = "engineering"
)

// ParseTargetType accepts the three known types, case-insensitively.
func ParseTargetType(s string) (TargetType, error) {
	switch t := TargetType(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeBase, TypeGuide, TypeEngineering:
		return t, nil
	}
	return "", fmt.Errorf("unknown target type %q", s)
}

// State is the lifecycle of an observation target relative to the last
// transmitted clearance request.
type State int

const (
	StateOK State = iota
	StateAdded
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAdded:
		return "ADDED"
	case StateRemoved:
		return "REMOVED"
	default:
		return "OK"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "OK":
		*s = StateOK
	case "ADDED":
		*s = StateAdded
	case "REMOVED":
		*s = StateRemoved
	default:
		return fmt.Errorf("unknown target state %q", b)
	}
	return nil
}

// ObservationTarget is one position of an observation.
type ObservationTarget struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Type        TargetType      `json:"type"`
	Position    sky.Coordinates `json:"position"`
	State       State           `json:"state"`
	LaserTarget LaserTargetID   `json:"laserTarget,omitempty"`
}

// Observation is identified by its external observation id.
type Observation struct {
	ID      string              `json:"id"`
	Targets []ObservationTarget `json:"targets"`
}

// Base returns the science base target, if the observation has one.
func (o *Observation) Base() (ObservationTarget, bool) {
	for _, t := range o.Targets {
		if t.Type == TypeBase {
			return t, true
		}
	}
	return ObservationTarget{}, false
}

func (o Observation) clone() Observation {
	o.Targets = append([]ObservationTarget(nil), o.Targets...)
	return o
}

// PropagationWindow is an approved interval owned by one laser target.
type PropagationWindow struct {
	ID int64 `json:"id"`
	window.Window
}

// LaserTarget is a position submitted to the clearing house.
type LaserTarget struct {
	ID               LaserTargetID       `json:"id"`
	Position         sky.Coordinates     `json:"position"`
	Transmitted      bool                `json:"transmitted"`
	WindowsTimestamp time.Time           `json:"windowsTimestamp"`
	Windows          []PropagationWindow `json:"windows"`
}

// Intervals returns the bare propagation windows in time order.
func (lt *LaserTarget) Intervals() []window.Window {
	out := make([]window.Window, len(lt.Windows))
	for i, pw := range lt.Windows {
		out[i] = pw.Window
	}
	return out
}

func (lt *LaserTarget) clone() *LaserTarget {
	c := *lt
	c.Windows = append([]PropagationWindow(nil), lt.Windows...)
	return &c
}

// BlanketClosure is an operator-entered interval during which nothing may
// propagate.
type BlanketClosure struct {
	ID int64 `json:"id"`
	window.Window
}

// Severity orders notices and alarm messages, most severe first.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "error":
		*s = SeverityError
	case "warning":
		*s = SeverityWarning
	case "info":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// Notice is an operator-facing message attached to a night, e.g. a
// confirmation entry that was skipped.
type Notice struct {
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
