package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/posture.report/internal/capture"
	"github.com/banshee-data/posture.report/internal/config"
	"github.com/banshee-data/posture.report/internal/infer"
	"github.com/banshee-data/posture.report/internal/posture"
)

// countingSink records ticks and transitions for assertions.
type countingSink struct {
	mu          sync.Mutex
	ticks       []posture.Tick
	transitions []string
}

func (s *countingSink) RecordTick(t posture.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, t)
	return nil
}

func (s *countingSink) RecordTransition(at time.Time, from, to posture.RiskState, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, string(from)+"->"+string(to))
	return nil
}

func (s *countingSink) tickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func presentScript(pitch float64) infer.ScriptFunc {
	return func(req infer.Request) infer.Result {
		conf := 0.9
		p := pitch
		return infer.Result{
			Present: true,
			Metrics: &posture.FrameMetrics{
				Pitch:          &p,
				FaceConfidence: &conf,
				PoseConfidence: &conf,
				Illumination:   &conf,
			},
		}
	}
}

func testPipeline(t *testing.T, script infer.ScriptFunc, sink TickSink) *Pipeline {
	t.Helper()
	p, err := New(Config{
		Tuning:      config.EmptyTuningConfig(),
		Performance: posture.PresetBalanced,
		Preset:      "balanced",
		Source:      &capture.FakeSource{},
		Engine:      &infer.FakeEngine{Script: script},
		Sink:        sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func waitTicks(t *testing.T, p *Pipeline, n int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for p.Snapshot().Stats.Ticks < n {
		if time.Now().After(deadline) {
			t.Fatalf("pipeline emitted %d ticks, want %d", p.Snapshot().Stats.Ticks, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPipelineEmitsTicks(t *testing.T) {
	p := testPipeline(t, presentScript(5), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	waitTicks(t, p, 3)

	snap := p.Snapshot()
	if !snap.Running {
		t.Error("snapshot should report running")
	}
	if !snap.Tick.Present {
		t.Error("tick should report a present subject")
	}
	if snap.Tick.State != posture.RiskGood {
		t.Errorf("state = %s, want GOOD for 5 degree pitch", snap.Tick.State)
	}
	if snap.Tick.Zone != posture.ZoneGreen {
		t.Errorf("zone = %s, want GREEN", snap.Tick.Zone)
	}
	if snap.ShortSide != posture.PresetBalanced.ShortSide {
		t.Errorf("short side = %d, want preset default %d", snap.ShortSide, posture.PresetBalanced.ShortSide)
	}
}

func TestPipelineStopIsIdempotent(t *testing.T) {
	p := testPipeline(t, presentScript(5), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	if p.Snapshot().Running {
		t.Error("snapshot reports running after stop")
	}
}

func TestPipelineSinkReceivesTicksAndTransitions(t *testing.T) {
	sink := &countingSink{}
	p := testPipeline(t, presentScript(5), sink)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	waitTicks(t, p, 2)
	if sink.tickCount() < 2 {
		t.Errorf("sink received %d ticks, want >= 2", sink.tickCount())
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.transitions) == 0 || sink.transitions[0] != "INITIAL->GOOD" {
		t.Errorf("transitions = %v, want INITIAL->GOOD first", sink.transitions)
	}
}

func TestPipelineAbsenceReportsIdle(t *testing.T) {
	p := testPipeline(t, func(req infer.Request) infer.Result {
		return infer.Result{Present: false}
	}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	waitTicks(t, p, 2)

	snap := p.Snapshot()
	if snap.Tick.Present {
		t.Error("tick should report absence")
	}
	if snap.Tick.State != posture.RiskIdle {
		t.Errorf("state = %s, want IDLE", snap.Tick.State)
	}
	if snap.RateReason != posture.ReasonAbsence {
		t.Errorf("rate reason = %s, want absence", snap.RateReason)
	}
	if snap.TargetFPS != p.Tuning().GetIdleFPS() {
		t.Errorf("target fps = %g, want idle %g", snap.TargetFPS, p.Tuning().GetIdleFPS())
	}
}

func TestPipelineSkippedTickReportsNoData(t *testing.T) {
	// One good frame seeds the conditioner, then the worker fails every
	// frame. Skipped ticks must hold the smoothed estimate but report the
	// per-frame fields as explicit no-data, not the last frame's values.
	var mu sync.Mutex
	calls := 0
	script := func(req infer.Request) infer.Result {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return presentScript(5)(req)
		}
		return infer.Result{Err: fmt.Errorf("model failure")}
	}

	p := testPipeline(t, script, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for !p.Snapshot().Tick.Skipped {
		if time.Now().After(deadline) {
			t.Fatal("no skipped tick emitted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tick := p.Snapshot().Tick
	if tick.Metrics.Pitch.Raw != nil {
		t.Errorf("skipped tick raw pitch = %g, want nil", *tick.Metrics.Pitch.Raw)
	}
	if tick.Metrics.Pitch.Source != posture.SourceNone {
		t.Errorf("skipped tick pitch source = %s, want none", tick.Metrics.Pitch.Source)
	}
	if tick.Metrics.Pitch.Confidence != posture.ConfidenceNone {
		t.Errorf("skipped tick pitch confidence = %s, want NONE", tick.Metrics.Pitch.Confidence)
	}
	// The smoothed estimate holds the last good value.
	if !tick.Metrics.Pitch.Seeded || tick.Metrics.Pitch.Smoothed != 5 {
		t.Errorf("skipped tick smoothed pitch = %g seeded=%t, want held 5",
			tick.Metrics.Pitch.Smoothed, tick.Metrics.Pitch.Seeded)
	}
}

func TestPipelineApplyPerformanceRestarts(t *testing.T) {
	p := testPipeline(t, presentScript(5), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	waitTicks(t, p, 1)

	if err := p.ApplyPerformance(context.Background(), posture.PresetQuality, "quality"); err != nil {
		t.Fatal(err)
	}

	snap := p.Snapshot()
	if !snap.Running {
		t.Fatal("pipeline not running after preset change")
	}
	if snap.Preset != "quality" || snap.Performance.FPS != 30 {
		t.Errorf("snapshot = %q/%g fps, want quality/30", snap.Preset, snap.Performance.FPS)
	}

	waitTicks(t, p, 1)
}

func TestPipelineApplyPerformanceRejectsInvalid(t *testing.T) {
	p := testPipeline(t, presentScript(5), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	bad := posture.PresetBalanced
	bad.FPS = 45
	if err := p.ApplyPerformance(context.Background(), bad, "custom"); err == nil {
		t.Fatal("off-ladder fps accepted")
	}

	// The running pipeline is untouched by a rejected preset.
	if snap := p.Snapshot(); !snap.Running || snap.Preset != "balanced" {
		t.Errorf("snapshot after rejected preset: %+v", snap)
	}
}

func TestPipelineSetTuning(t *testing.T) {
	p := testPipeline(t, presentScript(5), nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	thr := 15.0
	merged, err := p.SetTuning(&config.TuningConfig{PitchThresholdDegrees: &thr})
	if err != nil {
		t.Fatal(err)
	}
	if merged.GetPitchThresholdDegrees() != 15 {
		t.Errorf("merged pitch threshold = %g, want 15", merged.GetPitchThresholdDegrees())
	}
	// Untouched fields keep their defaults.
	if merged.GetEHDThreshold() != 0.18 {
		t.Errorf("ehd threshold = %g, want default 0.18", merged.GetEHDThreshold())
	}

	bad := -3.0
	if _, err := p.SetTuning(&config.TuningConfig{PitchThresholdDegrees: &bad}); err == nil {
		t.Fatal("negative threshold accepted")
	}
	// A rejected patch leaves the active config untouched.
	if p.Tuning().GetPitchThresholdDegrees() != 15 {
		t.Errorf("active threshold = %g, want 15", p.Tuning().GetPitchThresholdDegrees())
	}
}

func TestPipelineSwitchDevice(t *testing.T) {
	src := &capture.FakeSource{FailDevices: map[int]bool{3: true}}
	p, err := New(Config{
		Tuning:      config.EmptyTuningConfig(),
		Performance: posture.PresetBalanced,
		Preset:      "balanced",
		Source:      src,
		Engine:      &infer.FakeEngine{Script: presentScript(5)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if err := p.SwitchDevice(3); err == nil {
		t.Fatal("switch to a dead device should fail")
	}
	if src.DeviceID() != 0 {
		t.Errorf("device = %d, want 0 kept after failed switch", src.DeviceID())
	}

	if err := p.SwitchDevice(1); err != nil {
		t.Fatal(err)
	}
	if src.DeviceID() != 1 {
		t.Errorf("device = %d, want 1", src.DeviceID())
	}
}
