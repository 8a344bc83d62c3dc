package visibility

import (
	"errors"
	"fmt"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

// ErrNoDarkness means the Sun never gets below the requested altitude.
var ErrNoDarkness = errors.New("sun never reaches the twilight altitude")

// TwilightBounds returns the part of night during which the Sun is below the
// altitude of tw: from the evening descent through it to the morning ascent.
func TwilightBounds(site ephemeris.Site, night window.Window, tw ephemeris.Twilight) (window.Window, error) {
	return darkness(site, night, tw.SunAltitudeDeg())
}

// NightBounds returns sunset to sunrise for the night that begins on the
// given calendar day at the site. The search runs from local noon to local
// noon of the following day.
func NightBounds(site ephemeris.Site, day time.Time) (window.Window, error) {
	local := site.Local(day)
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, local.Location())
	search := window.Window{Start: noon, End: noon.AddDate(0, 0, 1)}

	w, err := darkness(site, search, ephemeris.Sunset.SunAltitudeDeg())
	if err != nil {
		return window.Window{}, fmt.Errorf("night of %s at %s: %w", noon.Format("2006-01-02"), site.Name, err)
	}
	return w, nil
}

// SyntheticNightBounds returns the synthetic 24 hour night starting at local noon.
func SyntheticNightBounds(site ephemeris.Site, day time.Time) window.Window {
	local := site.Local(day)
	noon := time.Date(local.Year(), local.Month(), local.Day(), 12, 0, 0, 0, local.Location())
	return window.Window{Start: noon, End: noon.Add(24 * time.Hour)}
}

// darkness scans the negated solar altitude so that "above the threshold"
// means "Sun below sunAltDeg".
func darkness(site ephemeris.Site, span window.Window, sunAltDeg float64) (window.Window, error) {
	dark := &crossings{threshold: -sunAltDeg}
	depth := func(t time.Time) float64 {
		return -ephemeris.SunAltitude(site, t)
	}

	calc := Calculator{Step: DefaultStep}
	if err := calc.scan(span, depth, dark); err != nil {
		return window.Window{}, err
	}

	p := dark.pair(span)
	if p == nil {
		return window.Window{}, ErrNoDarkness
	}
	if !p.Rise.Before(p.Set) {
		return window.Window{}, fmt.Errorf("%w: darkness interrupted between %s and %s", ErrNoDarkness,
			p.Set.UTC().Format(time.RFC3339), p.Rise.UTC().Format(time.RFC3339))
	}
	return window.Window{Start: p.Rise, End: p.Set}, nil
}
