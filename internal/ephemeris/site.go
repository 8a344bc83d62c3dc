// Package ephemeris computes where sky positions and the Sun sit relative to
// an observatory's horizon.
package ephemeris

import (
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/gemini-hlsw/lch-sub000/internal/sky"
)

// Sidereal time source: github.com/joshuaferrara/go-satellite
//
// GSTimeFromDate implements the IAU-82 GMST polynomial (Vallado Eq 3-47). It
// only takes whole seconds, which is far below the one-minute sampling step
// of the visibility calculator.

// Site is an observatory location.
type Site struct {
	Name     string         // short site code, e.g. "GN"
	LatDeg   float64        // geodetic latitude, degrees north
	LonDeg   float64        // longitude, degrees east
	AltM     float64        // meters above the WGS-84 ellipsoid
	Location *time.Location // site-local civil time zone
}

// NewSite creates a Site and resolves its time zone by IANA name.
func NewSite(name string, latDeg, lonDeg, altM float64, tz string) (Site, error) {
	if latDeg < -90 || latDeg > 90 {
		return Site{}, fmt.Errorf("site %s: latitude %.4f out of range", name, latDeg)
	}
	if lonDeg < -180 || lonDeg > 360 {
		return Site{}, fmt.Errorf("site %s: longitude %.4f out of range", name, lonDeg)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Site{}, fmt.Errorf("site %s: loading time zone %q: %w", name, tz, err)
	}
	return Site{Name: name, LatDeg: latDeg, LonDeg: lonDeg, AltM: altM, Location: loc}, nil
}

// Local returns t in the site's time zone, or UTC when none is configured.
func (s Site) Local(t time.Time) time.Time {
	if s.Location == nil {
		return t.UTC()
	}
	return t.In(s.Location)
}

// LocalSiderealTime returns the local mean sidereal time at t in radians, [0, 2π).
func (s Site) LocalSiderealTime(t time.Time) float64 {
	t = t.UTC()
	gmst := satellite.GSTimeFromDate(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	lst := math.Mod(gmst+s.LonDeg*math.Pi/180.0, 2*math.Pi)
	if lst < 0 {
		lst += 2 * math.Pi
	}
	return lst
}

// Altitude returns the elevation above the horizon in degrees of pos at t.
// Horizontal positions are fixed in the sky of the site, so their
// elevation is returned unchanged.
func (s Site) Altitude(pos sky.Coordinates, t time.Time) float64 {
	if pos.Frame == sky.AzEl {
		return pos.B
	}
	return s.altitudeRad(pos.A*math.Pi/180.0, pos.B*math.Pi/180.0, t)
}

// altitudeRad evaluates sin(h) = sin φ sin δ + cos φ cos δ cos H.
func (s Site) altitudeRad(ra, dec float64, t time.Time) float64 {
	lat := s.LatDeg * math.Pi / 180.0
	ha := s.LocalSiderealTime(t) - ra

	sinAlt := math.Sin(lat)*math.Sin(dec) + math.Cos(lat)*math.Cos(dec)*math.Cos(ha)
	sinAlt = math.Max(-1, math.Min(1, sinAlt))

	return math.Asin(sinAlt) * 180.0 / math.Pi
}

// AltitudeFunc adapts Site.Altitude for a fixed position.
func (s Site) AltitudeFunc(pos sky.Coordinates) func(time.Time) float64 {
	return func(t time.Time) float64 {
		return s.Altitude(pos, t)
	}
}
