// Package visibility derives rise and set times from a sampled altitude
// function, both for laser targets (horizon and laser elevation limit) and
// for the Sun (night and twilight bounds).
package visibility

import (
	"errors"
	"fmt"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// DefaultStep is the sampling interval of the altitude scan.
const DefaultStep = 60 * time.Second

// ErrMultipleCrossings means a position crossed one threshold twice in the
// same direction during a night. Only implausibly fast movers do this.
var ErrMultipleCrossings = errors.New("threshold crossed more than once in the same direction")

// AltitudeFunc returns an elevation in degrees at t.
type AltitudeFunc func(t time.Time) float64

// Calculator scans an altitude function over a night.
type Calculator struct {
	Step     time.Duration // sampling interval (default: 60s)
	LimitDeg float64       // laser elevation limit, degrees
}

// NewCalculator returns a calculator with the default step.
func NewCalculator(limitDeg float64) Calculator {
	return Calculator{Step: DefaultStep, LimitDeg: limitDeg}
}

// ForTarget computes the visibility of pos from site during night.
func (c Calculator) ForTarget(site ephemeris.Site, night window.Window, pos sky.Coordinates) (window.Visibility, error) {
	return c.Compute(night, site.AltitudeFunc(pos))
}

// Compute samples alt from night start to night end and classifies the
// horizon and elevation-limit crossings.
func (c Calculator) Compute(night window.Window, alt AltitudeFunc) (window.Visibility, error) {
	horizon := &crossings{threshold: 0}
	limit := &crossings{threshold: c.LimitDeg}

	if err := c.scan(night, alt, horizon, limit); err != nil {
		return window.Visibility{}, err
	}

	return window.NewVisibility(night, horizon.pair(night), limit.pair(night)), nil
}

// scan feeds every sampling step to the crossing trackers. The crossing
// instant is the midpoint of the step in which it happened.
func (c Calculator) scan(night window.Window, alt AltitudeFunc, trackers ...*crossings) error {
	step := c.Step
	if step <= 0 {
		step = DefaultStep
	}

	prevT := night.Start
	prev := alt(prevT)
	for _, tr := range trackers {
		tr.startAbove = prev >= tr.threshold
	}

	for t := night.Start.Add(step); ; t = t.Add(step) {
		if t.After(night.End) {
			t = night.End
		}
		cur := alt(t)
		mid := prevT.Add(t.Sub(prevT) / 2)

		for _, tr := range trackers {
			if err := tr.observe(prev, cur, mid); err != nil {
				return err
			}
		}

		if !t.Before(night.End) {
			return nil
		}
		prevT, prev = t, cur
	}
}

// crossings tracks one threshold.
type crossings struct {
	threshold  float64
	startAbove bool
	rise, set  time.Time
	rose, sank bool
}

func (c *crossings) observe(prev, cur float64, mid time.Time) error {
	wasAbove := prev >= c.threshold
	isAbove := cur >= c.threshold

	switch {
	case isAbove && !wasAbove:
		if c.rose {
			return fmt.Errorf("%w: rises at %s and %s above %.2f°", ErrMultipleCrossings,
				c.rise.UTC().Format(time.RFC3339), mid.UTC().Format(time.RFC3339), c.threshold)
		}
		c.rise, c.rose = mid, true
	case wasAbove && !isAbove:
		if c.sank {
			return fmt.Errorf("%w: sets at %s and %s below %.2f°", ErrMultipleCrossings,
				c.set.UTC().Format(time.RFC3339), mid.UTC().Format(time.RFC3339), c.threshold)
		}
		c.set, c.sank = mid, true
	}
	return nil
}

// pair classifies what was observed. Nil means never above the threshold.
func (c *crossings) pair(night window.Window) *window.RiseSet {
	switch {
	case !c.rose && !c.sank:
		if c.startAbove {
			return &window.RiseSet{Rise: night.Start, Set: night.End}
		}
		return nil
	case c.sank && !c.rose:
		return &window.RiseSet{Rise: night.Start, Set: c.set}
	case c.rose && !c.sank:
		return &window.RiseSet{Rise: c.rise, Set: night.End}
	default:
		// Rise after set is the wraparound case.
		return &window.RiseSet{Rise: c.rise, Set: c.set}
	}
}
