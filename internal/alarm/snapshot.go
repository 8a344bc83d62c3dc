package alarm

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/collision"
	"github.com/gemini-hlsw/lch-sub000/internal/model"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/tcs"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// Message is one operator-facing line of the snapshot.
type Message struct {
	Severity model.Severity `json:"severity"`
	Text     string         `json:"text"`
}

// Snapshot is an immutable picture of everything the clear predicate needs.
// A new value is built every cycle; Night and Target keep the identity of the
// objects they were built from so consumers can detect changes with ==.
type Snapshot struct {
	BuiltAt time.Time `json:"builtAt"`

	Night  *model.Night       `json:"-"`
	Target *model.LaserTarget `json:"target,omitempty"`
	// Distance is the angle in degrees between the pointing and Target, or
	// NaN when there is no target.
	Distance float64 `json:"-"`

	Propagation []window.Window  `json:"propagation"`
	Shuttering  []window.Shutter `json:"shuttering"`
	Earliest    time.Time        `json:"earliest"`
	Latest      time.Time        `json:"latest"`

	Status     *tcs.Status         `json:"status,omitempty"`
	Collisions *collision.Snapshot `json:"collisions,omitempty"`
	Messages   []Message           `json:"messages"`
}

// HasTarget reports whether a laser target is within the error cone.
func (s *Snapshot) HasTarget() bool {
	return s != nil && s.Target != nil
}

// NightChanged reports whether s was built from a different night than prev.
func (s *Snapshot) NightChanged(prev *Snapshot) bool {
	if prev == nil {
		return s != nil
	}
	return s.Night != prev.Night
}

// TargetChanged reports whether s matched a different target than prev.
func (s *Snapshot) TargetChanged(prev *Snapshot) bool {
	if prev == nil {
		return s != nil
	}
	return s.Target != prev.Target
}

// Buffers are the safety margins added around shuttering gaps and blanket
// closures.
type Buffers struct {
	Before time.Duration
	After  time.Duration
}

// build assembles a snapshot. Any of night, status and collisions may be nil.
func build(now time.Time, coneDeg float64, buf Buffers, night *model.Night, status *tcs.Status, collisions *collision.Snapshot) *Snapshot {
	s := &Snapshot{
		BuiltAt:    now,
		Night:      night,
		Distance:   math.NaN(),
		Status:     status,
		Collisions: collisions,
	}

	switch {
	case status == nil:
		s.addf(model.SeverityError, "no telescope status received yet")
	case !status.Connected():
		s.addf(model.SeverityError, "telescope channel disconnected: %s", status.Err)
	}
	if collisions.Degraded() {
		s.addf(model.SeverityWarning, "collision feed unavailable: %s", collisions.Err)
	}
	if collisions != nil {
		for _, c := range collisions.Collisions {
			if c.Contains(now) {
				s.addf(model.SeverityWarning, "collision with %s (%s) until %s", c.Observatory, c.Priority, c.End.Format("15:04:05"))
			}
		}
	}

	if night == nil {
		s.addf(model.SeverityError, "no laser night loaded")
		s.sortMessages()
		return s
	}

	env := night.Envelope()
	s.Earliest, s.Latest = env.Start, env.End
	if !night.Covers(now) {
		s.addf(model.SeverityInfo, "outside laser night %s", night.ID)
	} else if now.Before(s.Earliest) || now.After(s.Latest) {
		s.addf(model.SeverityInfo, "outside propagation envelope %s", env)
	}
	for _, n := range night.Notices {
		s.Messages = append(s.Messages, Message{Severity: n.Severity, Text: n.Message})
	}

	if status != nil {
		s.Target, s.Distance = nearest(night, status, coneDeg)
	}
	closures := window.Buffer(night.ClosureWindows(), buf.Before, buf.After)
	if s.Target == nil {
		if status != nil {
			s.addf(model.SeverityWarning, "no laser target within %.3g deg of the pointing", coneDeg/2)
		}
		s.Shuttering = window.MergeClosures(nil, closures)
		s.sortMessages()
		return s
	}

	prop := s.Target.Intervals()
	if len(prop) == 0 {
		s.addf(model.SeverityWarning, "laser target %d has no propagation windows", s.Target.ID)
	}
	gaps := window.Gaps(prop)
	buffered := window.Buffer(window.Windows(gaps), buf.Before, buf.After)
	bufferedGaps := make([]window.Shutter, len(buffered))
	for i, w := range buffered {
		bufferedGaps[i] = window.Shutter{Window: w}
	}

	s.Propagation = window.SubtractClosures(prop, append(buffered, closures...))
	s.Shuttering = window.MergeClosures(bufferedGaps, closures)
	s.sortMessages()
	return s
}

// nearest finds the laser target closest to the pointing. Candidates are
// looked up by RA/Dec and by Az/El; the first found wins unless the other is
// nearer. Targets beyond half the error cone do not count.
func nearest(night *model.Night, status *tcs.Status, coneDeg float64) (*model.LaserTarget, float64) {
	target, dist := night.Nearest(status.RaDec, nil)
	if alt, altDist := night.Nearest(status.AzEl, nil); alt != nil && (target == nil || altDist < dist) {
		target, dist = alt, altDist
	}
	if target == nil || dist > coneDeg/2 {
		return nil, math.NaN()
	}
	return target, dist
}

// pointingDistance returns the angle between the pointing in status and lt,
// using the pointing in the target's frame.
func pointingDistance(status *tcs.Status, lt *model.LaserTarget) float64 {
	pos := status.RaDec
	if lt.Position.Frame == sky.AzEl {
		pos = status.AzEl
	}
	return sky.Distance(pos, lt.Position)
}

func (s *Snapshot) addf(sev model.Severity, format string, args ...any) {
	s.Messages = append(s.Messages, Message{Severity: sev, Text: fmt.Sprintf(format, args...)})
}

// sortMessages orders messages by severity, most severe first, keeping the
// order of equal severities.
func (s *Snapshot) sortMessages() {
	sort.SliceStable(s.Messages, func(i, j int) bool {
		return s.Messages[i].Severity < s.Messages[j].Severity
	})
}
