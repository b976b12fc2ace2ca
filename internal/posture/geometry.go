package posture

import (
	"math"

	"github.com/banshee-data/posture.report/internal/units"
)

// minLandmarkVisibility gates geometric derivation on landmark quality.
const minLandmarkVisibility = 0.5

// DeriveMetrics computes a lower-confidence geometric substitute for the
// worker's metric set from raw landmarks. Angles use the inter-ear span as
// the horizontal scale so the derivation is invariant to subject distance.
// Metrics whose required landmarks are missing or barely visible stay nil.
func DeriveMetrics(lm *Landmarks) *FrameMetrics {
	if lm == nil {
		return nil
	}
	out := &FrameMetrics{}

	earMid, earSpan := midpoint(lm.LeftEar, lm.RightEar)
	shoulderMid, shoulderSpan := midpoint(lm.LeftShoulder, lm.RightShoulder)

	// Pitch: vertical drop of the nose below the ear line, relative to the
	// ear span. Image Y grows downward.
	if visible(lm.Nose) && earMid != nil && earSpan > 0 {
		pitch := units.Degrees(math.Atan2(lm.Nose.Y-earMid.Y, earSpan))
		out.Pitch = &pitch
	}

	// Yaw: horizontal offset of the nose from the ear midline.
	if visible(lm.Nose) && earMid != nil && earSpan > 0 {
		yaw := units.Degrees(math.Atan2(lm.Nose.X-earMid.X, earSpan))
		out.Yaw = &yaw
	}

	// Roll: tilt of the inter-ear line.
	if visible(lm.LeftEar) && visible(lm.RightEar) {
		roll := units.Degrees(math.Atan2(lm.RightEar.Y-lm.LeftEar.Y, lm.RightEar.X-lm.LeftEar.X))
		out.Roll = &roll
	}

	// EHD: forward offset of the ear midpoint from the shoulder midpoint,
	// normalised by shoulder width.
	if earMid != nil && shoulderMid != nil && shoulderSpan > 0 {
		ehd := math.Abs(earMid.X-shoulderMid.X) / shoulderSpan
		out.EHD = &ehd

		// DPR: relative depth of the head versus the shoulders. More
		// negative Z is closer to the camera, so a forward lean pushes the
		// ratio positive.
		dpr := (shoulderMid.Z - earMid.Z) / shoulderSpan
		out.DPR = &dpr
	}

	if out.Pitch == nil && out.Yaw == nil && out.Roll == nil && out.EHD == nil && out.DPR == nil {
		return nil
	}
	return out
}

func visible(l *Landmark) bool {
	return l != nil && l.Visibility >= minLandmarkVisibility
}

// midpoint returns the midpoint of two landmarks and their planar span.
// Returns nil when either point is missing or barely visible.
func midpoint(a, b *Landmark) (*Landmark, float64) {
	if !visible(a) || !visible(b) {
		return nil, 0
	}
	mid := &Landmark{
		X: (a.X + b.X) / 2,
		Y: (a.Y + b.Y) / 2,
		Z: (a.Z + b.Z) / 2,
	}
	span := math.Hypot(b.X-a.X, b.Y-a.Y)
	return mid, span
}
