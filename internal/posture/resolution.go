package posture

import (
	"sync"
	"time"
)

// StepperConfig holds the CPU-budget hysteresis parameters for the
// resolution stepper. The adaptive sampling controller reuses the same
// over-budget/recovery decisions through Throttled().
type StepperConfig struct {
	BudgetPct        float64       // sustained average above this is over-budget
	RecoveryPct      float64       // average below this counts toward recovery
	OverBudgetCount  int           // consecutive over-budget samples before degrading
	RecoverySustain  time.Duration // time below RecoveryPct before recovering
	Cooldown         time.Duration // minimum time since last over-budget before recovering
	DefaultShortSide int           // preset default rung (recovery never passes this)
	FloorShortSide   int           // preset floor rung (degradation never passes this)
}

// ResolutionStepper maps sustained CPU pressure and headroom onto the
// discrete downscale ladder. Degradation is fast (two bad samples);
// recovery is deliberately slower and gated on a cooldown since the last
// over-budget event, so the rung selection cannot oscillate.
type ResolutionStepper struct {
	mu  sync.Mutex
	cfg StepperConfig

	idx        int // current rung in ShortSideLadder
	defaultIdx int
	floorIdx   int

	overStreak     int
	lastOverBudget time.Time
	belowSince     time.Time
	throttled      bool
}

// NewResolutionStepper creates a stepper positioned at the preset default.
// Invalid ladder values fall back to the full ladder range.
func NewResolutionStepper(cfg StepperConfig) *ResolutionStepper {
	defaultIdx := ladderIndex(cfg.DefaultShortSide)
	if defaultIdx < 0 {
		defaultIdx = 0
	}
	floorIdx := ladderIndex(cfg.FloorShortSide)
	if floorIdx < 0 {
		floorIdx = len(ShortSideLadder) - 1
	}
	if floorIdx < defaultIdx {
		floorIdx = defaultIdx
	}
	if cfg.OverBudgetCount < 1 {
		cfg.OverBudgetCount = 2
	}
	return &ResolutionStepper{
		cfg:        cfg,
		idx:        defaultIdx,
		defaultIdx: defaultIdx,
		floorIdx:   floorIdx,
	}
}

// ShortSide returns the currently selected downscale short side.
func (s *ResolutionStepper) ShortSide() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ShortSideLadder[s.idx]
}

// Throttled reports whether the CPU over-budget condition is currently
// active. Cleared by the same sustained-recovery rule that steps the
// resolution back up.
func (s *ResolutionStepper) Throttled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttled
}

// Observe feeds one windowed CPU average into the stepper. Returns the
// selected short side and whether it changed.
func (s *ResolutionStepper) Observe(avgPct float64, now time.Time) (shortSide int, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.idx

	switch {
	case avgPct > s.cfg.BudgetPct:
		s.overStreak++
		s.lastOverBudget = now
		s.belowSince = time.Time{}
		if s.overStreak >= s.cfg.OverBudgetCount {
			s.overStreak = 0
			s.throttled = true
			if s.idx < s.floorIdx {
				s.idx++
				diagf("[Stepper] CPU avg %.1f%% over budget, degrading to short side %d",
					avgPct, ShortSideLadder[s.idx])
			} else {
				diagf("[Stepper] CPU avg %.1f%% over budget, already at floor %d",
					avgPct, ShortSideLadder[s.idx])
			}
		}

	case avgPct < s.cfg.RecoveryPct:
		s.overStreak = 0
		if s.belowSince.IsZero() {
			s.belowSince = now
		}
		sustained := now.Sub(s.belowSince) >= s.cfg.RecoverySustain
		cooled := s.lastOverBudget.IsZero() || now.Sub(s.lastOverBudget) >= s.cfg.Cooldown
		if sustained && cooled {
			s.throttled = false
			if s.idx > s.defaultIdx {
				s.idx--
				// Restart the sustain clock: each recovery rung requires its
				// own quiet period.
				s.belowSince = now
				diagf("[Stepper] CPU avg %.1f%% recovered, stepping up to short side %d",
					avgPct, ShortSideLadder[s.idx])
			}
		}

	default:
		// Between recovery and budget thresholds: neither condition
		// accumulates.
		s.overStreak = 0
		s.belowSince = time.Time{}
	}

	return ShortSideLadder[s.idx], s.idx != prev
}

// Reset returns the stepper to the preset default rung and clears all
// hysteresis state.
func (s *ResolutionStepper) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = s.defaultIdx
	s.overStreak = 0
	s.lastOverBudget = time.Time{}
	s.belowSince = time.Time{}
	s.throttled = false
}
