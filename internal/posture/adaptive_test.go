package posture

import (
	"testing"
)

func testSamplerConfig() AdaptiveSamplerConfig {
	return AdaptiveSamplerConfig{
		BaseFPS:      20,
		IdleFPS:      0.5,
		CalmFPSRatio: 0.5,
		Epsilon:      0.05,
	}
}

func TestSamplerAbsenceCollapsesToIdle(t *testing.T) {
	a := NewAdaptiveSampler(testSamplerConfig())

	// Absence overrides any prior risk state in a single evaluation.
	for _, risk := range []RiskState{RiskGood, RiskBadPosture, RiskUnreliable} {
		dec, changed := a.Evaluate(AdaptiveInputs{Present: false, Risk: risk})
		if dec.FPS != 0.5 || dec.Reason != ReasonAbsence {
			t.Errorf("risk=%s: got %+v, want 0.5 fps with reason absence", risk, dec)
		}
		_ = changed
	}
}

func TestSamplerRiskStatesRequestFullRate(t *testing.T) {
	tests := []struct {
		risk   RiskState
		fps    float64
		reason RateReason
	}{
		{RiskGood, 10, ReasonBaseline},
		{RiskInitial, 10, ReasonBaseline},
		{RiskAtRisk, 20, ReasonAtRisk},
		{RiskBadPosture, 20, ReasonBadPosture},
		{RiskRecovering, 20, ReasonBadPosture},
		{RiskUnreliable, 20, ReasonUnreliable},
	}

	for _, tc := range tests {
		a := NewAdaptiveSampler(testSamplerConfig())
		dec, _ := a.Evaluate(AdaptiveInputs{Present: true, Risk: tc.risk})
		if dec.FPS != tc.fps || dec.Reason != tc.reason {
			t.Errorf("risk=%s: got %.2f fps/%s, want %.2f fps/%s",
				tc.risk, dec.FPS, dec.Reason, tc.fps, tc.reason)
		}
	}
}

func TestSamplerCPUThrottleCapsRate(t *testing.T) {
	a := NewAdaptiveSampler(testSamplerConfig())

	// Bad posture asks for the full 20 fps; CPU throttle caps it at 10.
	dec, _ := a.Evaluate(AdaptiveInputs{Present: true, Risk: RiskBadPosture, CPUThrottled: true})
	if dec.FPS != 10 || dec.Reason != ReasonCPU {
		t.Errorf("got %+v, want 10 fps with reason cpu", dec)
	}

	// Absence already sits below the throttle cap, so absence keeps the reason.
	dec, _ = a.Evaluate(AdaptiveInputs{Present: false, CPUThrottled: true})
	if dec.FPS != 0.5 || dec.Reason != ReasonAbsence {
		t.Errorf("got %+v, want 0.5 fps with reason absence", dec)
	}
}

func TestSamplerEpsilonSuppressesChurn(t *testing.T) {
	a := NewAdaptiveSampler(testSamplerConfig())

	in := AdaptiveInputs{Present: true, Risk: RiskGood}
	if _, changed := a.Evaluate(in); !changed {
		t.Fatal("first evaluation away from base rate should report a change")
	}
	// Identical inputs: same decision, no churn.
	if _, changed := a.Evaluate(in); changed {
		t.Error("identical inputs reported a change")
	}
}

func TestSamplerIdleWithinOneTick(t *testing.T) {
	a := NewAdaptiveSampler(testSamplerConfig())

	// Establish a bad-posture full-rate state.
	a.Evaluate(AdaptiveInputs{Present: true, Risk: RiskBadPosture})

	// Presence drops: one evaluation converges to the idle rate.
	dec, changed := a.Evaluate(AdaptiveInputs{Present: false, Risk: RiskBadPosture})
	if !changed || dec.FPS != 0.5 {
		t.Errorf("got %+v changed=%v, want idle 0.5 within one tick", dec, changed)
	}
}

func TestSamplerSetBaseFPS(t *testing.T) {
	a := NewAdaptiveSampler(testSamplerConfig())
	a.SetBaseFPS(30)

	dec, _ := a.Evaluate(AdaptiveInputs{Present: true, Risk: RiskAtRisk})
	if dec.FPS != 30 {
		t.Errorf("after SetBaseFPS(30): got %.2f fps, want 30", dec.FPS)
	}
	if got := a.Current(); got.FPS != 30 {
		t.Errorf("Current() = %+v, want 30 fps", got)
	}
}
