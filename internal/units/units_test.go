package units

import (
	"math"
	"testing"
)

func TestDegreesRadiansRoundTrip(t *testing.T) {
	tests := []struct {
		rad float64
		deg float64
	}{
		{0, 0},
		{math.Pi, 180},
		{math.Pi / 2, 90},
		{-math.Pi / 4, -45},
	}
	for _, tt := range tests {
		if got := Degrees(tt.rad); math.Abs(got-tt.deg) > 1e-9 {
			t.Errorf("Degrees(%g) = %g, want %g", tt.rad, got, tt.deg)
		}
		if got := Radians(tt.deg); math.Abs(got-tt.rad) > 1e-9 {
			t.Errorf("Radians(%g) = %g, want %g", tt.deg, got, tt.rad)
		}
	}
}

func TestClampUnit(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.3, 0.3},
		{1, 1},
		{1.7, 1},
	}
	for _, tt := range tests {
		if got := ClampUnit(tt.in); got != tt.want {
			t.Errorf("ClampUnit(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}
