// Package pipeline wires the posture control loop together: the capture
// loop paced by the frame governor, the single-slot dispatch to the
// inference engine, and the per-outcome chain of conditioning, guardrail,
// risk evaluation and adaptive rate selection. Performance presets are
// applied only through an atomic stop-and-restart; tuning thresholds swap
// in live.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/capture"
	"github.com/banshee-data/posture.report/internal/config"
	"github.com/banshee-data/posture.report/internal/infer"
	"github.com/banshee-data/posture.report/internal/posture"
	"github.com/banshee-data/posture.report/internal/posture/dispatch"
)

// statsLogInterval paces the periodic frame stats summary line.
const statsLogInterval = 60 * time.Second

// TickSink receives emitted ticks and state transitions. Sinks are
// best-effort: errors are logged, never propagated into the control loop.
type TickSink interface {
	RecordTick(t posture.Tick) error
	RecordTransition(at time.Time, from, to posture.RiskState, score float64) error
}

// Config assembles a pipeline's collaborators and initial settings.
type Config struct {
	Tuning      *config.TuningConfig
	Performance posture.PerformanceConfig
	Preset      string
	DeviceID    int
	Source      capture.Source
	Engine      infer.Engine
	// Sink, when non-nil, receives every tick and transition.
	Sink TickSink
}

// Snapshot is the externally visible pipeline state for the monitor API.
type Snapshot struct {
	Running     bool                                              `json:"running"`
	Preset      string                                            `json:"preset"`
	Performance posture.PerformanceConfig                         `json:"performance"`
	Tick        posture.Tick                                      `json:"tick"`
	TargetFPS   float64                                           `json:"target_fps"`
	RateReason  posture.RateReason                                `json:"rate_reason"`
	ShortSide   int                                               `json:"short_side"`
	CPUAvgPct   float64                                           `json:"cpu_avg_pct"`
	Throttled   bool                                              `json:"throttled"`
	Stats       StatsSummary                                      `json:"stats"`
	Dispatch    dispatch.Stats                                    `json:"dispatch"`
	Guardrail   map[posture.GuardrailDimension]posture.DimensionState `json:"guardrail"`
}

// Pipeline is the assembled control loop.
type Pipeline struct {
	mu     sync.Mutex
	cfg    Config
	tuning *config.TuningConfig

	governor    *posture.FrameGovernor
	cpu         *posture.CPULoadMonitor
	stepper     *posture.ResolutionStepper
	sampler     *posture.AdaptiveSampler
	conditioner *posture.MetricConditioner
	guardrail   *posture.Guardrail
	risk        *posture.RiskEngine
	dispatcher  *dispatch.Dispatcher
	stats       *FrameStats

	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastTick  posture.Tick
	lastState posture.RiskState
}

// New creates an unstarted pipeline. The performance preset is validated
// here so a bad preset fails fast instead of at restart time.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Performance.Validate(); err != nil {
		return nil, fmt.Errorf("performance config: %w", err)
	}
	if cfg.Tuning == nil {
		cfg.Tuning = config.EmptyTuningConfig()
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning config: %w", err)
	}
	if cfg.Source == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("pipeline needs a source and an engine")
	}
	return &Pipeline{cfg: cfg, tuning: cfg.Tuning}, nil
}

// Start initialises the source and engine and launches the loops.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already running")
	}

	t := p.tuning
	perf := p.cfg.Performance

	p.governor = posture.NewFrameGovernor(perf.FPS, t.GetMinFrameInterval())
	p.cpu = posture.NewCPULoadMonitor(t.GetCPUSampleInterval(), nil)
	p.stepper = posture.NewResolutionStepper(posture.StepperConfig{
		BudgetPct:        t.GetCPUBudgetPct(),
		RecoveryPct:      t.GetCPURecoveryPct(),
		OverBudgetCount:  t.GetCPUOverBudgetSamples(),
		RecoverySustain:  time.Duration(t.GetCPURecoverySustainSeconds() * float64(time.Second)),
		Cooldown:         time.Duration(t.GetCPUCooldownSeconds() * float64(time.Second)),
		DefaultShortSide: perf.ShortSide,
		FloorShortSide:   perf.ShortSideFloor,
	})
	p.sampler = posture.NewAdaptiveSampler(posture.AdaptiveSamplerConfig{
		BaseFPS:      perf.FPS,
		IdleFPS:      t.GetIdleFPS(),
		CalmFPSRatio: t.GetCalmFPSRatio(),
		Epsilon:      t.GetFPSEpsilon(),
	})
	p.conditioner = posture.NewMetricConditioner(t.GetSmoothingAlpha())
	p.guardrail = posture.NewGuardrail(guardrailConfigFrom(t))
	p.risk = posture.NewRiskEngine(riskConfigFrom(t))
	p.stats = NewFrameStats()
	p.lastTick = posture.Tick{}
	p.lastState = posture.RiskInitial

	if err := p.cfg.Source.Initialise(capture.Options{
		DeviceID:  p.cfg.DeviceID,
		ShortSide: perf.ShortSide,
	}); err != nil {
		return fmt.Errorf("initialising capture source: %w", err)
	}
	if err := p.cfg.Engine.Initialize(ctx, infer.EngineConfig{
		Delegate:                perf.Delegate,
		TargetFPS:               perf.FPS,
		ShortSide:               perf.ShortSide,
		AlternatingFrameCadence: perf.AlternatingFrameCadence,
	}); err != nil {
		p.cfg.Source.Dispose()
		return fmt.Errorf("initialising inference engine: %w", err)
	}
	p.dispatcher = dispatch.New(p.cfg.Engine, t.GetWorkerTimeout())

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(3)
	go p.captureLoop(runCtx)
	go p.outcomeLoop()
	go p.cpuLoop(runCtx)

	opsf("pipeline started: preset %q, %g fps, short side %dpx, delegate %s",
		p.cfg.Preset, perf.FPS, perf.ShortSide, perf.Delegate)
	return nil
}

// Stop halts the loops, shuts the engine down and releases the camera.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	// Closing the engine closes its result stream, which ends the outcome
	// loop through the dispatcher.
	shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	if err := p.cfg.Engine.Shutdown(shutdownCtx); err != nil {
		opsf("engine shutdown: %v", err)
	}
	p.wg.Wait()

	if err := p.cfg.Source.Dispose(); err != nil {
		opsf("disposing capture source: %v", err)
	}
	opsf("pipeline stopped")
	return nil
}

// ApplyPerformance switches the performance preset through an atomic
// stop-and-restart. On a failed restart the pipeline stays stopped and the
// previous preset is restored in the config so a retry is possible.
func (p *Pipeline) ApplyPerformance(ctx context.Context, perf posture.PerformanceConfig, preset string) error {
	if err := perf.Validate(); err != nil {
		return fmt.Errorf("performance config: %w", err)
	}

	if err := p.Stop(); err != nil {
		return err
	}

	p.mu.Lock()
	prev, prevName := p.cfg.Performance, p.cfg.Preset
	p.cfg.Performance = perf
	p.cfg.Preset = preset
	p.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		p.mu.Lock()
		p.cfg.Performance = prev
		p.cfg.Preset = prevName
		p.mu.Unlock()
		return fmt.Errorf("restarting with preset %q: %w", preset, err)
	}
	return nil
}

// SetTuning merges a partial patch over the current tuning config,
// validates the result and swaps it in wholesale. Threshold changes
// (guardrail, risk) take effect immediately; pacing and CPU-budget
// parameters apply from the next restart.
func (p *Pipeline) SetTuning(patch *config.TuningConfig) (*config.TuningConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	merged := p.tuning.Merge(patch)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	p.tuning = merged

	if p.running {
		p.guardrail.SetConfig(guardrailConfigFrom(merged))
		p.risk.SetConfig(riskConfigFrom(merged))
	}
	diagf("tuning config updated")
	return merged, nil
}

// Tuning returns the active tuning config.
func (p *Pipeline) Tuning() *config.TuningConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tuning
}

// SwitchDevice swaps the camera without restarting the loops. A failed
// switch leaves the previous device running.
func (p *Pipeline) SwitchDevice(deviceID int) error {
	if err := p.cfg.Source.SwitchDevice(deviceID); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg.DeviceID = deviceID
	p.mu.Unlock()
	return nil
}

// Devices reports the capture devices available right now. Probing real
// hardware can take tens of milliseconds per index.
func (p *Pipeline) Devices() []int {
	return p.cfg.Source.Devices()
}

// Snapshot returns the current pipeline state for the monitor API.
func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		Running:     p.running,
		Preset:      p.cfg.Preset,
		Performance: p.cfg.Performance,
		Tick:        p.lastTick,
	}
	if !p.running {
		return s
	}
	dec := p.sampler.Current()
	s.TargetFPS = dec.FPS
	s.RateReason = dec.Reason
	s.ShortSide = p.stepper.ShortSide()
	s.CPUAvgPct = p.cpu.Average()
	s.Throttled = p.stepper.Throttled()
	s.Stats = p.stats.Peek()
	s.Dispatch = p.dispatcher.Stats()
	s.Guardrail = p.guardrail.Dimensions()
	return s
}

// captureLoop admits frames through the governor, captures and dispatches.
func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			p.stats.LogStats()
			continue
		default:
		}

		if wait := time.Until(p.governor.NextAllowed()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		mark := p.governor.BeginFrame(time.Now())
		frame, err := p.cfg.Source.CaptureFrame()
		if err != nil {
			p.stats.AddCaptureError()
			opsf("capture failed: %v", err)
			p.governor.CompleteFrame(mark, time.Now())
			continue
		}
		p.stats.AddCaptured()

		img := infer.Image{Width: frame.Width, Height: frame.Height, Pixels: frame.Pixels}
		if _, ok := p.dispatcher.TryDispatch(frame.CapturedAt, img); !ok {
			p.stats.AddDropped()
		}
		p.governor.CompleteFrame(mark, time.Now())
	}
}

// outcomeLoop runs the per-frame evaluation chain. It ends when the engine
// shuts down and the dispatcher closes the outcome stream.
func (p *Pipeline) outcomeLoop() {
	defer p.wg.Done()
	for out := range p.dispatcher.Outcomes() {
		p.handleOutcome(out, time.Now())
	}
}

func (p *Pipeline) handleOutcome(out dispatch.Outcome, now time.Time) {
	var set posture.MetricSet
	var gstatus posture.GuardrailStatus
	var rsnap posture.RiskSnapshot
	var present bool

	if out.Skipped {
		// Worker failure or timeout: an all-absent observation set flows
		// through the conditioner, so smoothed estimates hold but the
		// per-frame raw/confidence/source fields report explicit no-data.
		// The guardrail sees missing input, which restarts its debounce
		// clocks without flipping any gate, and the risk state holds.
		t := p.Tuning()
		set = p.conditioner.Ingest(posture.ObservationsFromResult(nil, nil,
			t.GetMinFaceConfidence(), t.GetMinPoseConfidence()))
		gstatus = p.guardrail.Evaluate(now, posture.GuardrailInputs{})
		rsnap = p.risk.Snapshot()
		p.mu.Lock()
		present = p.lastTick.Present
		p.mu.Unlock()
	} else {
		res := out.Result
		present = res.Present
		metrics, landmarks := res.Metrics, res.Landmarks
		if !present {
			// Absence is explicit no-data, never stale values.
			metrics, landmarks = nil, nil
		}

		t := p.Tuning()
		obs := posture.ObservationsFromResult(metrics, landmarks,
			t.GetMinFaceConfidence(), t.GetMinPoseConfidence())
		set = p.conditioner.Ingest(obs)
		gstatus = p.guardrail.Evaluate(now, guardrailInputs(metrics, set))
		rsnap = p.risk.Evaluate(now, posture.RiskInputs{
			Present:       present,
			Reliable:      gstatus.Reliability == posture.ReliabilityOK,
			PitchDeltaDeg: seededValue(set.Pitch),
			EHDDelta:      seededValue(set.EHD),
			DPRDelta:      seededValue(set.DPR),
		})
	}

	tick := posture.Tick{
		Timestamp:   now,
		FrameID:     out.FrameID,
		Present:     present,
		Reliability: gstatus.Reliability,
		Reasons:     gstatus.Reasons,
		Metrics:     set,
		Score:       rsnap.Score,
		Zone:        rsnap.Zone,
		State:       rsnap.State,
		TargetFPS:   p.governor.TargetFPS(),
		ShortSide:   p.stepper.ShortSide(),
		Skipped:     out.Skipped,
	}
	p.stats.AddTick(out.Skipped)

	p.mu.Lock()
	prevState := p.lastState
	p.lastTick = tick
	p.lastState = rsnap.State
	sink := p.cfg.Sink
	p.mu.Unlock()

	if sink != nil {
		if err := sink.RecordTick(tick); err != nil {
			opsf("recording tick %d: %v", tick.FrameID, err)
		}
		if prevState != rsnap.State {
			if err := sink.RecordTransition(now, prevState, rsnap.State, rsnap.Score); err != nil {
				opsf("recording transition: %v", err)
			}
		}
	}

	dec, changed := p.sampler.Evaluate(posture.AdaptiveInputs{
		Present:      present,
		Risk:         rsnap.State,
		CPUThrottled: p.stepper.Throttled(),
	})
	if changed {
		p.governor.SetTargetFPS(dec.FPS)
	}

	tracef("tick %d: present=%t %s score=%.0f %s @ %.2f fps",
		tick.FrameID, tick.Present, tick.State, tick.Score, tick.Reliability, dec.FPS)
}

// cpuLoop feeds windowed CPU averages into the resolution stepper and
// applies rung changes to the capture source.
func (p *Pipeline) cpuLoop(ctx context.Context) {
	defer p.wg.Done()
	p.cpu.Run(ctx, func(pct float64, now time.Time) {
		shortSide, changed := p.stepper.Observe(p.cpu.Average(), now)
		if changed {
			p.cfg.Source.SetShortSide(shortSide)
			opsf("resolution stepped to %dpx (cpu avg %.1f%%)", shortSide, p.cpu.Average())
		}
	})
}

// seededValue returns the smoothed estimate once the series has seen data.
func seededValue(s posture.MetricSeries) *float64 {
	if !s.Seeded {
		return nil
	}
	v := s.Smoothed
	return &v
}

// guardrailInputs maps a frame's raw measurements onto the guardrail's
// dimensions. Raw values are used rather than smoothed ones: the guardrail
// has its own debouncing and must react to what the frame actually shows.
func guardrailInputs(metrics *posture.FrameMetrics, set posture.MetricSet) posture.GuardrailInputs {
	in := posture.GuardrailInputs{
		YawDeg:  set.Yaw.Raw,
		RollDeg: set.Roll.Raw,
	}
	if metrics != nil {
		in.FaceConfidence = metrics.FaceConfidence
		in.PoseConfidence = metrics.PoseConfidence
		in.Illumination = metrics.Illumination
	}
	return in
}

func guardrailConfigFrom(t *config.TuningConfig) posture.GuardrailConfig {
	secs := func(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
	return posture.GuardrailConfig{
		YawEnterDeg:           t.GetYawEnterDegrees(),
		YawExitDeg:            t.GetYawExitDegrees(),
		YawEnterHold:          secs(t.GetYawEnterSeconds()),
		YawExitHold:           secs(t.GetYawExitSeconds()),
		RollEnterDeg:          t.GetRollEnterDegrees(),
		RollExitDeg:           t.GetRollExitDegrees(),
		RollEnterHold:         secs(t.GetRollEnterSeconds()),
		RollExitHold:          secs(t.GetRollExitSeconds()),
		MinFaceConfidence:     t.GetMinFaceConfidence(),
		MinPoseConfidence:     t.GetMinPoseConfidence(),
		ConfidenceEnterHold:   secs(t.GetConfidenceEnterSeconds()),
		ConfidenceExitHold:    secs(t.GetConfidenceExitSeconds()),
		MinIllumination:       t.GetMinIllumination(),
		IlluminationEnterHold: secs(t.GetIlluminationEnterSeconds()),
		IlluminationExitHold:  secs(t.GetIlluminationExitSeconds()),
	}
}

func riskConfigFrom(t *config.TuningConfig) posture.RiskConfig {
	secs := func(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }
	return posture.RiskConfig{
		PitchThresholdDeg:     t.GetPitchThresholdDegrees(),
		EHDThreshold:          t.GetEHDThreshold(),
		DPRDeltaThreshold:     t.GetDPRDeltaThreshold(),
		RecoveryHysteresisPct: t.GetRecoveryHysteresisPct(),
		TriggerDuration:       secs(t.GetTriggerSeconds()),
		RecoveryDuration:      secs(t.GetRecoverySeconds()),
		MaxStep:               secs(t.GetMaxTickStepSeconds()),
		DegeneratePitchDeg:    t.GetDegeneratePitchDegrees(),
	}
}
