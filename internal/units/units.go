// Package units provides shared angle and ratio conversions for posture
// metrics. Angles are stored and compared in degrees throughout the system;
// geometric derivations work in radians and convert at the boundary.
package units

import "math"

// Degrees converts an angle in radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Radians converts an angle in degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// ClampUnit clamps x to the unit interval [0, 1]. Confidences, illumination
// estimates and score saturation terms are all unit-interval values.
func ClampUnit(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
