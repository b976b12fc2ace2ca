package posture

import (
	"testing"
	"time"
)

func testRiskConfig() RiskConfig {
	return RiskConfig{
		PitchThresholdDeg:     12,
		EHDThreshold:          0.18,
		DPRDeltaThreshold:     0.12,
		RecoveryHysteresisPct: 0.20,
		TriggerDuration:       60 * time.Second,
		RecoveryDuration:      30 * time.Second,
		MaxStep:               5 * time.Second,
		DegeneratePitchDeg:    85,
	}
}

// feedPitch evaluates the engine at 1 Hz with a constant pitch delta,
// starting at start, for frames 0..seconds inclusive. Returns the last
// snapshot and the last evaluation time.
func feedPitch(e *RiskEngine, start time.Time, pitch float64, seconds int) (RiskSnapshot, time.Time) {
	var snap RiskSnapshot
	now := start
	for i := 0; i <= seconds; i++ {
		now = start.Add(time.Duration(i) * time.Second)
		snap = e.Evaluate(now, RiskInputs{
			Present: true, Reliable: true,
			PitchDeltaDeg: fptr(pitch),
		})
	}
	return snap, now
}

// Sustained bad pitch escalates through AT_RISK at half the trigger
// duration and reaches BAD_POSTURE only once the full duration elapses.
func TestRiskSustainedBadPitchTriggers(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	var snap RiskSnapshot
	for i := 0; i <= 61; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		snap = e.Evaluate(now, RiskInputs{
			Present: true, Reliable: true,
			PitchDeltaDeg: fptr(15),
		})

		switch {
		case i < 30:
			if snap.State != RiskGood {
				t.Fatalf("at %ds state = %s, want GOOD", i, snap.State)
			}
		case i < 60:
			if snap.State != RiskAtRisk {
				t.Fatalf("at %ds state = %s, want AT_RISK", i, snap.State)
			}
		default:
			if snap.State != RiskBadPosture {
				t.Fatalf("at %ds state = %s, want BAD_POSTURE", i, snap.State)
			}
		}
	}

	if snap.BadFor < 60*time.Second {
		t.Errorf("accumulated bad time = %v, want >= 60s", snap.BadFor)
	}
}

// From BAD_POSTURE, sustained good posture passes through RECOVERING and
// reaches GOOD only after the recovery duration.
func TestRiskRecoveryThroughRecovering(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	snap, now := feedPitch(e, t0, 15, 61)
	if snap.State != RiskBadPosture {
		t.Fatalf("setup: state = %s, want BAD_POSTURE", snap.State)
	}

	// 2 degrees is well inside the hysteresis-shrunk good band (12 * 0.8).
	for i := 1; i <= 31; i++ {
		snap = e.Evaluate(now.Add(time.Duration(i)*time.Second), RiskInputs{
			Present: true, Reliable: true,
			PitchDeltaDeg: fptr(2),
		})
		if i < 30 {
			if snap.State != RiskRecovering {
				t.Fatalf("at +%ds state = %s, want RECOVERING", i, snap.State)
			}
		} else if snap.State != RiskGood {
			t.Fatalf("at +%ds state = %s, want GOOD", i, snap.State)
		}
	}
	if snap.BadFor != 0 || snap.GoodFor != 0 {
		t.Errorf("accumulators not cleared on GOOD: %+v", snap)
	}
}

// A value between the recovery threshold and the bad threshold accumulates
// neither way: recovery stalls and the escalated state returns.
func TestRiskHysteresisBandStallsRecovery(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	snap, now := feedPitch(e, t0, 15, 61)
	if snap.State != RiskBadPosture {
		t.Fatal("setup: want BAD_POSTURE")
	}

	// Start recovering.
	snap = e.Evaluate(now.Add(time.Second), RiskInputs{
		Present: true, Reliable: true, PitchDeltaDeg: fptr(2),
	})
	if snap.State != RiskRecovering {
		t.Fatalf("state = %s, want RECOVERING", snap.State)
	}

	// 10.5 is below the 12 bad threshold but above 12*0.8 = 9.6.
	snap = e.Evaluate(now.Add(2*time.Second), RiskInputs{
		Present: true, Reliable: true, PitchDeltaDeg: fptr(10.5),
	})
	if snap.State != RiskBadPosture {
		t.Errorf("band value: state = %s, want revert to BAD_POSTURE", snap.State)
	}
	if snap.GoodFor != 0 {
		t.Errorf("band value left goodFor = %v, want 0", snap.GoodFor)
	}
}

func TestRiskStepClamp(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	// Two frames 120s apart may only contribute MaxStep of bad time: a
	// suspended laptop cannot wake up already in BAD_POSTURE.
	e.Evaluate(t0, RiskInputs{Present: true, Reliable: true, PitchDeltaDeg: fptr(15)})
	snap := e.Evaluate(t0.Add(120*time.Second), RiskInputs{
		Present: true, Reliable: true, PitchDeltaDeg: fptr(15),
	})
	if snap.BadFor != 5*time.Second {
		t.Errorf("bad time after 120s gap = %v, want clamped 5s", snap.BadFor)
	}
	if snap.State != RiskGood {
		t.Errorf("state = %s, want GOOD", snap.State)
	}
}

func TestRiskDegeneratePitchIgnored(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	snap, now := feedPitch(e, t0, 15, 29)
	before := snap

	// A physically implausible pitch is a sensing failure, not posture.
	snap = e.Evaluate(now.Add(time.Second), RiskInputs{
		Present: true, Reliable: true, PitchDeltaDeg: fptr(89),
	})
	if snap.BadFor != before.BadFor || snap.State != before.State {
		t.Errorf("degenerate frame changed state: %+v -> %+v", before, snap)
	}
}

func TestRiskIdlePreemptsAndResets(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	_, now := feedPitch(e, t0, 15, 45) // deep into AT_RISK

	snap := e.Evaluate(now.Add(time.Second), RiskInputs{Present: false})
	if snap.State != RiskIdle {
		t.Fatalf("absence: state = %s, want IDLE", snap.State)
	}
	if snap.BadFor != 0 {
		t.Errorf("absence did not clear accumulated bad time: %v", snap.BadFor)
	}

	// Returning resumes at GOOD with fresh accumulators.
	snap = e.Evaluate(now.Add(10*time.Second), RiskInputs{
		Present: true, Reliable: true, PitchDeltaDeg: fptr(2),
	})
	if snap.State != RiskGood {
		t.Errorf("return from IDLE: state = %s, want GOOD", snap.State)
	}
}

func TestRiskUnreliablePreempts(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	_, now := feedPitch(e, t0, 2, 5)

	snap := e.Evaluate(now.Add(time.Second), RiskInputs{Present: true, Reliable: false})
	if snap.State != RiskUnreliable {
		t.Fatalf("state = %s, want UNRELIABLE", snap.State)
	}
}

func TestRiskInitialUntilFirstData(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	if snap := e.Snapshot(); snap.State != RiskInitial {
		t.Fatalf("state before any frame = %s, want INITIAL", snap.State)
	}

	// A present frame with no usable deltas holds INITIAL.
	snap := e.Evaluate(time.Unix(1000, 0), RiskInputs{Present: true, Reliable: true})
	if snap.State != RiskInitial {
		t.Errorf("state = %s, want INITIAL with no deltas", snap.State)
	}
}

func TestRiskScoreMonotonicAndBounded(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	t0 := time.Unix(1000, 0)

	prev := 101.0
	for i, pitch := range []float64{0, 6, 12, 18, 24, 48} {
		snap := e.Evaluate(t0.Add(time.Duration(i)*time.Second), RiskInputs{
			Present: true, Reliable: true, PitchDeltaDeg: fptr(pitch),
		})
		if snap.Score > prev {
			t.Errorf("score increased with worsening pitch: %.1f at %g°", snap.Score, pitch)
		}
		if snap.Score < 0 || snap.Score > 100 {
			t.Errorf("score %.1f out of bounds", snap.Score)
		}
		prev = snap.Score
	}

	// Saturation: beyond twice the threshold the metric costs its full weight.
	if prev != 60 {
		t.Errorf("saturated pitch score = %.1f, want 60", prev)
	}
}

func TestZoneForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  Zone
	}{
		{100, ZoneGreen}, {80, ZoneGreen},
		{79.9, ZoneYellow}, {60, ZoneYellow},
		{59.9, ZoneRed}, {0, ZoneRed},
	}
	for _, c := range cases {
		if got := ZoneForScore(c.score); got != c.want {
			t.Errorf("ZoneForScore(%g) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestRiskReset(t *testing.T) {
	e := NewRiskEngine(testRiskConfig())
	feedPitch(e, time.Unix(1000, 0), 15, 61)

	e.Reset()
	snap := e.Snapshot()
	if snap.State != RiskInitial || snap.BadFor != 0 || snap.Score != 100 {
		t.Errorf("reset left %+v", snap)
	}
}
