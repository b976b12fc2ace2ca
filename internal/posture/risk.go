package posture

import (
	"math"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/units"
)

// RiskConfig holds the thresholds and durations for the risk state machine.
type RiskConfig struct {
	PitchThresholdDeg float64
	EHDThreshold      float64
	DPRDeltaThreshold float64

	// RecoveryHysteresisPct shrinks the effective thresholds for the
	// recovery ("good") condition, so a value straddling a threshold can
	// never flap the state.
	RecoveryHysteresisPct float64

	TriggerDuration  time.Duration // continuous bad before BAD_POSTURE
	RecoveryDuration time.Duration // continuous good before returning to GOOD
	MaxStep          time.Duration // clamp on per-evaluation elapsed time

	// DegeneratePitchDeg marks a frame as a sensing failure rather than a
	// posture signal.
	DegeneratePitchDeg float64
}

// RiskInputs are the per-frame inputs to the risk engine: smoothed metric
// deltas from the calibrated baseline plus the preempting signals.
// Nil deltas mean the metric is unavailable this frame.
type RiskInputs struct {
	Present  bool
	Reliable bool

	PitchDeltaDeg *float64
	EHDDelta      *float64
	DPRDelta      *float64
}

// RiskSnapshot is the engine's externally visible state after an evaluation.
type RiskSnapshot struct {
	State   RiskState     `json:"state"`
	Score   float64       `json:"score"`
	Zone    Zone          `json:"zone"`
	BadFor  time.Duration `json:"bad_for"`
	GoodFor time.Duration `json:"good_for"`
}

// RiskEngine converts smoothed metrics and reliability into a bounded
// score, a zone and a duration-gated risk state. Transitions are driven by
// accumulated wall-clock time in a bad or good condition, never by a
// single frame; IDLE (absence) and UNRELIABLE (guardrail) preempt the
// threshold/duration logic entirely.
type RiskEngine struct {
	mu  sync.Mutex
	cfg RiskConfig

	state     RiskState
	escalated RiskState // highest bad state reached since the last GOOD
	badFor    time.Duration
	goodFor   time.Duration
	lastEval  time.Time
	lastScore float64
}

// NewRiskEngine creates an engine in the INITIAL state.
func NewRiskEngine(cfg RiskConfig) *RiskEngine {
	return &RiskEngine{cfg: cfg, state: RiskInitial, lastScore: 100}
}

// SetConfig replaces the threshold configuration wholesale; accumulated
// durations and state are preserved.
func (e *RiskEngine) SetConfig(cfg RiskConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Snapshot returns the current state without evaluating a frame.
func (e *RiskEngine) Snapshot() RiskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Reset returns the engine to INITIAL, clearing all accumulated time.
func (e *RiskEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = RiskInitial
	e.escalated = ""
	e.badFor = 0
	e.goodFor = 0
	e.lastEval = time.Time{}
	e.lastScore = 100
}

// Evaluate feeds one frame into the state machine.
func (e *RiskEngine) Evaluate(now time.Time, in RiskInputs) RiskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	dt := e.step(now)

	// Preemption: absence and unreliability override the duration logic
	// and clear accumulated time, so a gap never counts toward a trigger.
	if !in.Present {
		e.transition(RiskIdle)
		e.badFor, e.goodFor = 0, 0
		e.escalated = ""
		return e.snapshotLocked()
	}
	if !in.Reliable {
		e.transition(RiskUnreliable)
		e.badFor, e.goodFor = 0, 0
		e.escalated = ""
		return e.snapshotLocked()
	}

	// Returning from a preempted state resumes at GOOD; the evidence that
	// put us in a bad state is stale by now.
	if e.state == RiskIdle || e.state == RiskUnreliable {
		e.transition(RiskGood)
	}

	// Degenerate pitch is a sensing failure: the frame feeds neither the
	// score nor the timers.
	if in.PitchDeltaDeg != nil && math.Abs(*in.PitchDeltaDeg) > e.cfg.DegeneratePitchDeg {
		diagf("[Risk] degenerate pitch %.1f°, frame ignored", *in.PitchDeltaDeg)
		return e.snapshotLocked()
	}

	bad, good, known := e.classify(in)
	if !known {
		// No usable deltas: hold state, let no timer run.
		return e.snapshotLocked()
	}

	if e.state == RiskInitial {
		e.transition(RiskGood)
	}

	e.lastScore = e.score(in)

	switch {
	case bad:
		e.badFor += dt
		e.goodFor = 0
		if e.badFor >= e.cfg.TriggerDuration {
			e.escalated = RiskBadPosture
			e.transition(RiskBadPosture)
		} else if e.badFor >= e.cfg.TriggerDuration/2 {
			if e.escalated != RiskBadPosture {
				e.escalated = RiskAtRisk
			}
			e.transition(e.escalated)
		} else if e.state == RiskRecovering {
			// Recovery interrupted by a bad frame.
			e.transition(e.escalated)
		}

	case good:
		switch e.state {
		case RiskAtRisk, RiskBadPosture, RiskRecovering:
			e.goodFor += dt
			e.transition(RiskRecovering)
			if e.goodFor >= e.cfg.RecoveryDuration {
				e.transition(RiskGood)
				e.badFor, e.goodFor = 0, 0
				e.escalated = ""
			}
		default:
			e.badFor = 0
		}

	default:
		// Inside the hysteresis band: neither condition accumulates.
		e.goodFor = 0
		if e.state == RiskRecovering {
			e.transition(e.escalated)
		}
		if e.state == RiskGood {
			e.badFor = 0
		}
	}

	return e.snapshotLocked()
}

// step advances the evaluation clock, clamping the elapsed delta so a
// suspended or slow tick cannot jump a timer past its gate.
func (e *RiskEngine) step(now time.Time) time.Duration {
	if e.lastEval.IsZero() {
		e.lastEval = now
		return 0
	}
	dt := now.Sub(e.lastEval)
	e.lastEval = now
	if dt < 0 {
		return 0
	}
	if dt > e.cfg.MaxStep {
		return e.cfg.MaxStep
	}
	return dt
}

// classify evaluates the per-frame bad and good conditions. known is false
// when no delta is available at all.
func (e *RiskEngine) classify(in RiskInputs) (bad, good, known bool) {
	type check struct {
		delta *float64
		thr   float64
	}
	checks := []check{
		{in.PitchDeltaDeg, e.cfg.PitchThresholdDeg},
		{in.EHDDelta, e.cfg.EHDThreshold},
		{in.DPRDelta, e.cfg.DPRDeltaThreshold},
	}

	good = true
	for _, c := range checks {
		if c.delta == nil {
			continue
		}
		known = true
		v := math.Abs(*c.delta)
		if v > c.thr {
			bad = true
		}
		if v >= c.thr*(1-e.cfg.RecoveryHysteresisPct) {
			good = false
		}
	}
	if !known {
		return false, false, false
	}
	if bad {
		good = false
	}
	return bad, good, true
}

// score maps metric deviations onto a bounded 0-100 value, monotonically
// decreasing in each metric's deviation from baseline. A deviation equal
// to its threshold costs half that metric's weight.
func (e *RiskEngine) score(in RiskInputs) float64 {
	sat := func(delta *float64, thr float64) float64 {
		if delta == nil || thr <= 0 {
			return 0
		}
		return units.ClampUnit(math.Abs(*delta) / (2 * thr))
	}

	s := 100.0
	s -= 40 * sat(in.PitchDeltaDeg, e.cfg.PitchThresholdDeg)
	s -= 30 * sat(in.EHDDelta, e.cfg.EHDThreshold)
	s -= 30 * sat(in.DPRDelta, e.cfg.DPRDeltaThreshold)
	if s < 0 {
		s = 0
	}
	return s
}

func (e *RiskEngine) transition(next RiskState) {
	if e.state == next {
		return
	}
	diagf("[Risk] %s -> %s (bad %v, good %v)", e.state, next, e.badFor, e.goodFor)
	e.state = next
}

func (e *RiskEngine) snapshotLocked() RiskSnapshot {
	return RiskSnapshot{
		State:   e.state,
		Score:   e.lastScore,
		Zone:    ZoneForScore(e.lastScore),
		BadFor:  e.badFor,
		GoodFor: e.goodFor,
	}
}

// ZoneForScore maps a bounded score onto the tri-state zone.
func ZoneForScore(score float64) Zone {
	switch {
	case score >= 80:
		return ZoneGreen
	case score >= 60:
		return ZoneYellow
	default:
		return ZoneRed
	}
}
