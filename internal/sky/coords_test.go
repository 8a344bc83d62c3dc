package sky

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b Coordinates
		want float64
	}{
		{"identical", NewRaDec(10, 20), NewRaDec(10, 20), 0},
		{"pole to equator", NewRaDec(0, 90), NewRaDec(123, 0), 90},
		{"along equator", NewRaDec(0, 0), NewRaDec(45, 0), 45},
		{"antipodal", NewRaDec(0, 0), NewRaDec(180, 0), 180},
		{"wrap in ra", NewRaDec(359.5, 0), NewRaDec(0.5, 0), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			if math.IsNaN(got) {
				t.Fatalf("Distance(%v, %v) is NaN", tt.a, tt.b)
			}
			if math.Abs(got-tt.want) > 1e-5 {
				t.Errorf("Distance(%v, %v) = %.12f, want %.12f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// TestDistanceNoNaN walks positions where the cosine argument rounds past 1.
func TestDistanceNoNaN(t *testing.T) {
	for i := 0; i < 1000; i++ {
		ra := float64(i) * 0.3607
		dec := -89.9 + float64(i)*0.1798
		c := NewRaDec(ra, dec)
		if d := Distance(c, c); math.IsNaN(d) || d > 1e-5 {
			t.Fatalf("Distance(%v, itself) = %v, want ~0", c, d)
		}
	}
}

func TestClose(t *testing.T) {
	a := NewRaDec(10.00001, -5.00002)
	if !a.Close(NewRaDec(10, -5), 1e-4) {
		t.Error("expected positions within epsilon to be close")
	}
	if a.Close(NewAzEl(10, -5), 1e-4) {
		t.Error("positions in different frames must never be close")
	}
	if a.Close(NewRaDec(10.001, -5), 1e-4) {
		t.Error("expected positions beyond epsilon not to be close")
	}
}

func TestParseFrame(t *testing.T) {
	for _, s := range []string{"radec", "azel"} {
		f, err := ParseFrame(s)
		if err != nil {
			t.Fatalf("ParseFrame(%q): %v", s, err)
		}
		if f.String() != s {
			t.Errorf("ParseFrame(%q).String() = %q", s, f.String())
		}
	}
	if _, err := ParseFrame("galactic"); err == nil {
		t.Error("expected error for unknown frame")
	}
}
