package posture

import (
	"math"
	"sync"
	"time"
)

// GuardrailDimension names one hysteretic reliability gate.
type GuardrailDimension string

const (
	DimYaw          GuardrailDimension = "yaw"
	DimRoll         GuardrailDimension = "roll"
	DimConfidence   GuardrailDimension = "confidence"
	DimIllumination GuardrailDimension = "illumination"
)

// guardrailDimensions lists the gates in canonical (reporting) order.
var guardrailDimensions = []GuardrailDimension{DimYaw, DimRoll, DimConfidence, DimIllumination}

// GuardrailConfig holds the per-dimension enter/exit thresholds and
// durations. Enter and exit are intentionally asymmetric: unreliability is
// declared quickly and cleared conservatively.
type GuardrailConfig struct {
	YawEnterDeg  float64
	YawExitDeg   float64
	YawEnterHold time.Duration
	YawExitHold  time.Duration

	RollEnterDeg  float64
	RollExitDeg   float64
	RollEnterHold time.Duration
	RollExitHold  time.Duration

	MinFaceConfidence   float64
	MinPoseConfidence   float64
	ConfidenceEnterHold time.Duration
	ConfidenceExitHold  time.Duration

	MinIllumination       float64
	IlluminationEnterHold time.Duration
	IlluminationExitHold  time.Duration
}

// GuardrailInputs are the per-frame measurements the gates evaluate.
// Nil fields mean the quantity was not measured this frame; a gate holds
// its state and restarts its debounce clocks on missing input.
type GuardrailInputs struct {
	YawDeg         *float64
	RollDeg        *float64
	FaceConfidence *float64
	PoseConfidence *float64
	Illumination   *float64
}

// GuardrailStatus is the overall reliability classification for a frame.
type GuardrailStatus struct {
	Reliability Reliability
	// Reasons names the active dimensions, in canonical order.
	Reasons []string
}

// DimensionState is the externally visible state of one gate.
type DimensionState struct {
	Active bool      `json:"active"`
	Since  time.Time `json:"since,omitempty"`
}

type gate struct {
	active      bool
	activeSince time.Time
	breachSince time.Time // continuous enter-condition breach start
	clearSince  time.Time // continuous exit-condition satisfaction start
}

// step advances one gate. breach is the enter condition; cleared is the
// exit condition (strictly stricter than !breach for thresholded gates).
// unknown inputs restart both debounce clocks without changing the state:
// single missing frames must never flip reliability either way.
func (g *gate) step(now time.Time, breach, cleared, known bool, enterHold, exitHold time.Duration) {
	if !known {
		g.breachSince = time.Time{}
		g.clearSince = time.Time{}
		return
	}

	if !g.active {
		if breach {
			if g.breachSince.IsZero() {
				g.breachSince = now
			}
			if now.Sub(g.breachSince) >= enterHold {
				g.active = true
				g.activeSince = now
				g.clearSince = time.Time{}
			}
		} else {
			g.breachSince = time.Time{}
		}
		return
	}

	if cleared {
		if g.clearSince.IsZero() {
			g.clearSince = now
		}
		if now.Sub(g.clearSince) >= exitHold {
			g.active = false
			g.activeSince = time.Time{}
			g.breachSince = time.Time{}
		}
	} else {
		g.clearSince = time.Time{}
	}
}

// Guardrail is the four-dimension reliability state machine. A dimension
// becomes active only after continuously breaching its enter threshold for
// its enter duration, and clears only after continuously satisfying its
// exit threshold for its exit duration. Overall reliability is UNRELIABLE
// while any dimension is active.
type Guardrail struct {
	mu    sync.Mutex
	cfg   GuardrailConfig
	gates map[GuardrailDimension]*gate
}

// NewGuardrail creates a guardrail with all gates inactive.
func NewGuardrail(cfg GuardrailConfig) *Guardrail {
	g := &Guardrail{cfg: cfg, gates: make(map[GuardrailDimension]*gate, len(guardrailDimensions))}
	for _, d := range guardrailDimensions {
		g.gates[d] = &gate{}
	}
	return g
}

// SetConfig replaces the threshold configuration wholesale. Gate state is
// preserved: a threshold change takes effect from the next evaluation.
func (g *Guardrail) SetConfig(cfg GuardrailConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Evaluate advances all gates for one frame and returns the overall status.
func (g *Guardrail) Evaluate(now time.Time, in GuardrailInputs) GuardrailStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	if in.YawDeg != nil {
		mag := math.Abs(*in.YawDeg)
		g.gates[DimYaw].step(now,
			mag > g.cfg.YawEnterDeg,
			mag <= g.cfg.YawExitDeg,
			true, g.cfg.YawEnterHold, g.cfg.YawExitHold)
	} else {
		g.gates[DimYaw].step(now, false, false, false, 0, 0)
	}

	if in.RollDeg != nil {
		mag := math.Abs(*in.RollDeg)
		g.gates[DimRoll].step(now,
			mag > g.cfg.RollEnterDeg,
			mag <= g.cfg.RollExitDeg,
			true, g.cfg.RollEnterHold, g.cfg.RollExitHold)
	} else {
		g.gates[DimRoll].step(now, false, false, false, 0, 0)
	}

	// Confidence gates on either detector dropping below its minimum.
	// The exit condition is the complement: both detectors at or above.
	if in.FaceConfidence != nil || in.PoseConfidence != nil {
		low := false
		if in.FaceConfidence != nil && *in.FaceConfidence < g.cfg.MinFaceConfidence {
			low = true
		}
		if in.PoseConfidence != nil && *in.PoseConfidence < g.cfg.MinPoseConfidence {
			low = true
		}
		g.gates[DimConfidence].step(now, low, !low, true,
			g.cfg.ConfidenceEnterHold, g.cfg.ConfidenceExitHold)
	} else {
		g.gates[DimConfidence].step(now, false, false, false, 0, 0)
	}

	if in.Illumination != nil {
		dark := *in.Illumination < g.cfg.MinIllumination
		g.gates[DimIllumination].step(now, dark, !dark, true,
			g.cfg.IlluminationEnterHold, g.cfg.IlluminationExitHold)
	} else {
		g.gates[DimIllumination].step(now, false, false, false, 0, 0)
	}

	return g.statusLocked()
}

// Status returns the current classification without advancing any gate.
func (g *Guardrail) Status() GuardrailStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

// Dimensions returns the per-gate state for debug snapshots.
func (g *Guardrail) Dimensions() map[GuardrailDimension]DimensionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[GuardrailDimension]DimensionState, len(g.gates))
	for d, gt := range g.gates {
		out[d] = DimensionState{Active: gt.active, Since: gt.activeSince}
	}
	return out
}

// Reset deactivates all gates and clears their debounce clocks.
func (g *Guardrail) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range guardrailDimensions {
		g.gates[d] = &gate{}
	}
}

func (g *Guardrail) statusLocked() GuardrailStatus {
	status := GuardrailStatus{Reliability: ReliabilityOK}
	for _, d := range guardrailDimensions {
		if g.gates[d].active {
			status.Reliability = ReliabilityUnreliable
			status.Reasons = append(status.Reasons, string(d))
		}
	}
	return status
}
