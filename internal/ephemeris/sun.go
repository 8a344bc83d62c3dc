package ephemeris

import (
	"fmt"
	"strings"
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/solar"
)

// Twilight selects the solar altitude that bounds laser propagation.
type Twilight int

const (
	Sunset Twilight = iota
	Civil
	Nautical
	Astronomical
)

// SunAltitudeDeg is the solar altitude that defines the twilight.
func (tw Twilight) SunAltitudeDeg() float64 {
	switch tw {
	case Civil:
		return -6
	case Nautical:
		return -12
	case Astronomical:
		return -18
	default:
		// Upper limb on the horizon, with standard refraction.
		return -0.833
	}
}

func (tw Twilight) String() string {
	switch tw {
	case Civil:
		return "civil"
	case Nautical:
		return "nautical"
	case Astronomical:
		return "astronomical"
	default:
		return "sunset"
	}
}

// ParseTwilight accepts sunset, civil, nautical or astronomical.
func ParseTwilight(s string) (Twilight, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sunset", "":
		return Sunset, nil
	case "civil":
		return Civil, nil
	case "nautical":
		return Nautical, nil
	case "astronomical":
		return Astronomical, nil
	}
	return Sunset, fmt.Errorf("unknown twilight %q", s)
}

// SunAltitude returns the Sun's apparent altitude in degrees at t.
// The TT-UT difference (about a minute) is ignored.
func SunAltitude(s Site, t time.Time) float64 {
	ra, dec := solar.ApparentEquatorial(julian.TimeToJD(t.UTC()))
	return s.altitudeRad(ra.Rad(), dec.Rad(), t)
}
