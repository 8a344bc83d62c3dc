// Package sky holds sky positions and the angular distance between them.
package sky

import (
	"fmt"
	"math"
)

// Frame tags the coordinate system a pair of angles is expressed in.
type Frame int

const (
	RaDec Frame = iota // right ascension / declination, degrees
	AzEl               // azimuth / elevation, degrees
)

func (f Frame) String() string {
	switch f {
	case RaDec:
		return "radec"
	case AzEl:
		return "azel"
	default:
		return fmt.Sprintf("frame(%d)", int(f))
	}
}

// ParseFrame accepts "radec" or "azel".
func ParseFrame(s string) (Frame, error) {
	switch s {
	case "radec", "RADEC", "RaDec":
		return RaDec, nil
	case "azel", "AZEL", "AzEl":
		return AzEl, nil
	}
	return 0, fmt.Errorf("unknown coordinate frame %q", s)
}

func (f Frame) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Frame) UnmarshalText(b []byte) error {
	v, err := ParseFrame(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Coordinates is a generic pair of angles in degrees. For RaDec, A is the
// right ascension and B the declination; for AzEl, A is the azimuth and B
// the elevation.
type Coordinates struct {
	Frame Frame   `json:"frame"`
	A     float64 `json:"a"`
	B     float64 `json:"b"`
}

// NewRaDec builds an equatorial position.
func NewRaDec(raDeg, decDeg float64) Coordinates {
	return Coordinates{Frame: RaDec, A: raDeg, B: decDeg}
}

// NewAzEl builds a horizontal position.
func NewAzEl(azDeg, elDeg float64) Coordinates {
	return Coordinates{Frame: AzEl, A: azDeg, B: elDeg}
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%s(%.5f, %.5f)", c.Frame, c.A, c.B)
}

// Close reports whether both angles of c and o are within eps degrees of
// each other and share a frame.
func (c Coordinates) Close(o Coordinates, eps float64) bool {
	return c.Frame == o.Frame && math.Abs(c.A-o.A) <= eps && math.Abs(c.B-o.B) <= eps
}

// Distance returns the great-circle separation in degrees between two pairs
// of angles, treating A as the longitude-like and B as the latitude-like
// component. The frames are not compared; callers only measure within one.
func Distance(a, b Coordinates) float64 {
	a1 := a.A * math.Pi / 180.0
	d1 := a.B * math.Pi / 180.0
	a2 := b.A * math.Pi / 180.0
	d2 := b.B * math.Pi / 180.0

	cos := math.Sin(d1)*math.Sin(d2) + math.Cos(d1)*math.Cos(d2)*math.Cos(a1-a2)
	// Rounding can push identical positions just past 1.
	cos = math.Max(-1, math.Min(1, cos))

	return math.Acos(cos) * 180.0 / math.Pi
}
