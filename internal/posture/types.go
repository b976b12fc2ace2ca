// Package posture implements the real-time control loop that converts noisy
// per-frame body-landmark estimates into a stable posture status signal:
// frame pacing, adaptive sampling, CPU-budget throttling, per-metric signal
// conditioning, reliability guardrails and the risk/score state machine.
package posture

import (
	"fmt"
	"time"
)

// Metric identifies one of the five tracked posture quantities.
type Metric string

const (
	MetricPitch Metric = "pitch" // head pitch, degrees
	MetricYaw   Metric = "yaw"   // head yaw, degrees
	MetricRoll  Metric = "roll"  // head roll, degrees
	MetricEHD   Metric = "ehd"   // ear-to-shoulder horizontal distance, normalised
	MetricDPR   Metric = "dpr"   // depth-proxy ratio, baseline-relative
)

// Metrics lists the tracked quantities in canonical order.
var Metrics = []Metric{MetricPitch, MetricYaw, MetricRoll, MetricEHD, MetricDPR}

// Confidence classifies how trustworthy a per-frame metric value is.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
	ConfidenceNone Confidence = "NONE"
)

// MetricSource records where a metric value came from.
type MetricSource string

const (
	// SourceWorker means the inference worker supplied the value directly.
	// Worker values are authoritative.
	SourceWorker MetricSource = "worker"
	// SourceGeometric means the value was derived geometrically from raw
	// landmarks because the worker supplied none. Always low confidence,
	// never blended with worker values.
	SourceGeometric MetricSource = "geometric"
	// SourceNone means no value was available this frame.
	SourceNone MetricSource = "none"
)

// Reliability is the overall guardrail classification for a frame.
type Reliability string

const (
	ReliabilityOK         Reliability = "OK"
	ReliabilityUnreliable Reliability = "UNRELIABLE"
)

// Zone is the score-derived tri-state classification.
type Zone string

const (
	ZoneGreen  Zone = "GREEN"
	ZoneYellow Zone = "YELLOW"
	ZoneRed    Zone = "RED"
)

// RiskState is the posture risk state machine's current state.
type RiskState string

const (
	RiskInitial    RiskState = "INITIAL"
	RiskGood       RiskState = "GOOD"
	RiskAtRisk     RiskState = "AT_RISK"
	RiskBadPosture RiskState = "BAD_POSTURE"
	RiskRecovering RiskState = "RECOVERING"
	RiskIdle       RiskState = "IDLE"
	RiskUnreliable RiskState = "UNRELIABLE"
)

// Delegate selects the compute device the inference engine should use.
type Delegate string

const (
	DelegateGPU Delegate = "GPU"
	DelegateCPU Delegate = "CPU"
)

// ShortSideLadder is the discrete downscale ladder, highest resolution
// first. The resolution stepper moves along this ladder one rung at a time.
var ShortSideLadder = []int{320, 288, 256, 224, 192}

// PerformanceConfig is the process-wide capture/inference preset. It is
// only ever applied wholesale through an atomic pipeline restart, never
// mutated field-by-field while the pipeline is running.
type PerformanceConfig struct {
	Delegate Delegate `json:"delegate"`
	FPS      float64  `json:"fps"`        // one of 15, 20, 30
	ShortSide int     `json:"short_side"` // default rung, one of ShortSideLadder
	// ShortSideFloor is the lowest rung the resolution stepper may degrade
	// to under CPU pressure. Must be <= ShortSide on the ladder.
	ShortSideFloor int `json:"short_side_floor"`
	// AlternatingFrameCadence, when > 1, asks the engine to run its heavier
	// model head only every Nth frame.
	AlternatingFrameCadence int `json:"alternating_frame_cadence"`
}

// Validate checks the preset against the allowed discrete values.
func (p PerformanceConfig) Validate() error {
	switch p.Delegate {
	case DelegateGPU, DelegateCPU:
	default:
		return fmt.Errorf("invalid delegate %q", p.Delegate)
	}
	switch p.FPS {
	case 15, 20, 30:
	default:
		return fmt.Errorf("fps must be one of 15, 20, 30; got %g", p.FPS)
	}
	defIdx := ladderIndex(p.ShortSide)
	if defIdx < 0 {
		return fmt.Errorf("short_side %d is not on the ladder %v", p.ShortSide, ShortSideLadder)
	}
	floorIdx := ladderIndex(p.ShortSideFloor)
	if floorIdx < 0 {
		return fmt.Errorf("short_side_floor %d is not on the ladder %v", p.ShortSideFloor, ShortSideLadder)
	}
	if floorIdx < defIdx {
		return fmt.Errorf("short_side_floor %d must not exceed short_side %d", p.ShortSideFloor, p.ShortSide)
	}
	if p.AlternatingFrameCadence < 0 {
		return fmt.Errorf("alternating_frame_cadence must be non-negative, got %d", p.AlternatingFrameCadence)
	}
	return nil
}

func ladderIndex(shortSide int) int {
	for i, s := range ShortSideLadder {
		if s == shortSide {
			return i
		}
	}
	return -1
}

// Performance presets. Battery trades latency for headroom on constrained
// devices; quality assumes a plugged-in machine with GPU delegate.
var (
	PresetBattery = PerformanceConfig{
		Delegate: DelegateCPU, FPS: 15,
		ShortSide: 256, ShortSideFloor: 192,
		AlternatingFrameCadence: 2,
	}
	PresetBalanced = PerformanceConfig{
		Delegate: DelegateCPU, FPS: 20,
		ShortSide: 288, ShortSideFloor: 192,
		AlternatingFrameCadence: 1,
	}
	PresetQuality = PerformanceConfig{
		Delegate: DelegateGPU, FPS: 30,
		ShortSide: 320, ShortSideFloor: 224,
		AlternatingFrameCadence: 1,
	}
)

// PresetByName resolves a preset name used by flags and the monitor API.
func PresetByName(name string) (PerformanceConfig, error) {
	switch name {
	case "battery":
		return PresetBattery, nil
	case "balanced":
		return PresetBalanced, nil
	case "quality":
		return PresetQuality, nil
	}
	return PerformanceConfig{}, fmt.Errorf("unknown performance preset %q", name)
}

// Landmark is a single estimated body point in normalised image
// coordinates, with Z as a relative depth proxy.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Landmarks carries the subset of body points the geometric fallback needs.
// Nil fields mean the point was not detected this frame.
type Landmarks struct {
	Nose          *Landmark `json:"nose,omitempty"`
	LeftEar       *Landmark `json:"left_ear,omitempty"`
	RightEar      *Landmark `json:"right_ear,omitempty"`
	LeftShoulder  *Landmark `json:"left_shoulder,omitempty"`
	RightShoulder *Landmark `json:"right_shoulder,omitempty"`
}

// FrameMetrics is the worker-reported per-frame measurement set. Nil metric
// values mean the worker could not measure that quantity this frame.
type FrameMetrics struct {
	Pitch *float64 `json:"pitch,omitempty"` // degrees from calibrated baseline
	Yaw   *float64 `json:"yaw,omitempty"`   // degrees
	Roll  *float64 `json:"roll,omitempty"`  // degrees
	EHD   *float64 `json:"ehd,omitempty"`   // normalised distance delta
	DPR   *float64 `json:"dpr,omitempty"`   // baseline-relative ratio delta

	FaceConfidence *float64 `json:"face_confidence,omitempty"` // [0,1]
	PoseConfidence *float64 `json:"pose_confidence,omitempty"` // [0,1]
	Illumination   *float64 `json:"illumination,omitempty"`    // [0,1]

	// Outliers flags metrics the worker's own filtering rejected upstream.
	Outliers map[Metric]bool `json:"outliers,omitempty"`
}

// MetricSeries is the conditioned state of one tracked quantity.
type MetricSeries struct {
	Raw        *float64     `json:"raw,omitempty"`
	Smoothed   float64      `json:"smoothed"`
	Seeded     bool         `json:"seeded"` // false until the first finite raw value arrives
	Confidence Confidence   `json:"confidence"`
	Source     MetricSource `json:"source"`
	Outlier    bool         `json:"outlier"`
	Gated      bool         `json:"gated"`
}

// MetricSet holds all five conditioned series for a frame.
type MetricSet struct {
	Pitch MetricSeries `json:"pitch"`
	Yaw   MetricSeries `json:"yaw"`
	Roll  MetricSeries `json:"roll"`
	EHD   MetricSeries `json:"ehd"`
	DPR   MetricSeries `json:"dpr"`
}

// Series returns the series for a metric. Unknown metrics return a zero series.
func (m *MetricSet) Series(metric Metric) MetricSeries {
	switch metric {
	case MetricPitch:
		return m.Pitch
	case MetricYaw:
		return m.Yaw
	case MetricRoll:
		return m.Roll
	case MetricEHD:
		return m.EHD
	case MetricDPR:
		return m.DPR
	}
	return MetricSeries{}
}

// Tick is the per-accepted-frame status emitted to downstream consumers.
type Tick struct {
	Timestamp   time.Time   `json:"timestamp"`
	FrameID     uint64      `json:"frame_id"`
	Present     bool        `json:"present"`
	Reliability Reliability `json:"reliability"`
	Reasons     []string    `json:"reasons,omitempty"`
	Metrics     MetricSet   `json:"metrics"`
	Score       float64     `json:"score"`
	Zone        Zone        `json:"zone"`
	State       RiskState   `json:"state"`
	TargetFPS   float64     `json:"target_fps"`
	ShortSide   int         `json:"short_side"`
	// Skipped marks frames the worker failed or timed out on; metric and
	// state fields then reflect the hold-last-good values.
	Skipped bool `json:"skipped,omitempty"`
}
