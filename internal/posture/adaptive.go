package posture

import (
	"math"
	"sync"
)

// RateReason explains which signal decided the current target rate.
type RateReason string

const (
	ReasonBaseline   RateReason = "baseline"
	ReasonCPU        RateReason = "cpu"
	ReasonAbsence    RateReason = "absence"
	ReasonAtRisk     RateReason = "at_risk"
	ReasonBadPosture RateReason = "bad_posture"
	ReasonUnreliable RateReason = "unreliable"
)

// AdaptiveInputs are the three independent signals the sampling controller
// combines every tick.
type AdaptiveInputs struct {
	Present      bool
	Risk         RiskState
	CPUThrottled bool
}

// RateDecision is a target-rate selection with its diagnostic reason code.
type RateDecision struct {
	FPS    float64
	Reason RateReason
}

// AdaptiveSamplerConfig tunes the sampling controller.
type AdaptiveSamplerConfig struct {
	BaseFPS      float64 // preset rate, used in risk/unreliable states
	IdleFPS      float64 // near-idle rate while the subject is absent
	CalmFPSRatio float64 // fraction of BaseFPS used in a calm GOOD state
	Epsilon      float64 // minimum delta worth pushing to the governor
}

// AdaptiveSampler computes the target frame rate from presence, risk state
// and CPU throttling. Each signal can only depress (or restore) the rate;
// the controller pushes changes to the governor only when the delta exceeds
// a small epsilon, so float noise never churns the admission window. Its
// hysteresis lives entirely in its inputs: the CPU flag carries the
// stepper's hysteresis and the risk state carries the risk engine's.
type AdaptiveSampler struct {
	mu   sync.Mutex
	cfg  AdaptiveSamplerConfig
	last RateDecision
}

// NewAdaptiveSampler creates a controller with the governor assumed to be
// running at the base rate.
func NewAdaptiveSampler(cfg AdaptiveSamplerConfig) *AdaptiveSampler {
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = 0.05
	}
	if cfg.CalmFPSRatio <= 0 || cfg.CalmFPSRatio > 1 {
		cfg.CalmFPSRatio = 0.5
	}
	return &AdaptiveSampler{
		cfg:  cfg,
		last: RateDecision{FPS: cfg.BaseFPS, Reason: ReasonBaseline},
	}
}

// Evaluate computes the target rate for the next frame. changed is true
// when the decision differs from the last pushed rate by more than epsilon
// (or the reason code changed), meaning the caller should update the
// governor.
func (a *AdaptiveSampler) Evaluate(in AdaptiveInputs) (dec RateDecision, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dec = a.decide(in)
	changed = math.Abs(dec.FPS-a.last.FPS) > a.cfg.Epsilon || dec.Reason != a.last.Reason
	if changed {
		diagf("[Adaptive] target %.2f fps -> %.2f fps (%s)", a.last.FPS, dec.FPS, dec.Reason)
		a.last = dec
	}
	return dec, changed
}

// Current returns the last pushed decision.
func (a *AdaptiveSampler) Current() RateDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// SetBaseFPS re-targets the controller after a performance preset change.
func (a *AdaptiveSampler) SetBaseFPS(fps float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.BaseFPS = fps
	a.last = RateDecision{FPS: fps, Reason: ReasonBaseline}
}

func (a *AdaptiveSampler) decide(in AdaptiveInputs) RateDecision {
	// Absence wins outright: there is nothing worth sampling fast for.
	if !in.Present {
		return RateDecision{FPS: a.cfg.IdleFPS, Reason: ReasonAbsence}
	}

	// Risk state selects between the calm rate and the full preset rate.
	// Risk and unreliable states sample at full rate to catch recovery
	// promptly; a calm GOOD subject does not need every frame.
	dec := RateDecision{FPS: a.cfg.BaseFPS * a.cfg.CalmFPSRatio, Reason: ReasonBaseline}
	switch in.Risk {
	case RiskAtRisk:
		dec = RateDecision{FPS: a.cfg.BaseFPS, Reason: ReasonAtRisk}
	case RiskBadPosture, RiskRecovering:
		dec = RateDecision{FPS: a.cfg.BaseFPS, Reason: ReasonBadPosture}
	case RiskUnreliable:
		dec = RateDecision{FPS: a.cfg.BaseFPS, Reason: ReasonUnreliable}
	}

	// CPU throttling caps whatever the other signals asked for.
	if in.CPUThrottled {
		throttledFPS := a.cfg.BaseFPS * a.cfg.CalmFPSRatio
		if throttledFPS < dec.FPS {
			dec = RateDecision{FPS: throttledFPS, Reason: ReasonCPU}
		}
	}

	return dec
}
