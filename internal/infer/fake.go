package infer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/posture"
)

// ScriptFunc produces the fake's answer for a request. The returned result's
// FrameID, ProcessedAt and Duration fields are filled in by the fake.
type ScriptFunc func(req Request) Result

// FakeEngine is an in-process Engine for development mode and tests. It runs
// a single worker goroutine, applies an optional synthetic latency, and
// answers each frame from a script function.
type FakeEngine struct {
	// Script produces per-frame answers. When nil the fake emits a neutral
	// seated subject with a slow synthetic pitch drift.
	Script ScriptFunc
	// Latency is the synthetic per-frame inference time.
	Latency time.Duration
	// QueueDepth bounds the number of in-flight frames. Zero means one.
	QueueDepth int

	mu      sync.Mutex
	running bool
	frames  uint64
	reqs    chan Request
	results chan Result
	done    chan struct{}
}

// Initialize starts the worker goroutine.
func (f *FakeEngine) Initialize(ctx context.Context, cfg EngineConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	depth := f.QueueDepth
	if depth < 1 {
		depth = 1
	}
	f.reqs = make(chan Request, depth)
	f.results = make(chan Result, depth)
	f.done = make(chan struct{})
	f.running = true
	go f.run()
	return nil
}

// ProcessFrame accepts a frame if the queue has room. The send happens
// under the mutex so a concurrent Shutdown cannot close the queue between
// the running check and the send; the select never blocks, so the lock is
// held only briefly.
func (f *FakeEngine) ProcessFrame(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return ErrNotInitialized
	}

	select {
	case f.reqs <- req:
		return nil
	default:
		return ErrBusy
	}
}

// Results returns the result stream. The channel closes on Shutdown.
func (f *FakeEngine) Results() <-chan Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results
}

// Shutdown stops the worker and closes the result channel.
func (f *FakeEngine) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	close(f.reqs)
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FakeEngine) run() {
	defer close(f.done)
	defer close(f.results)
	for req := range f.reqs {
		start := time.Now()
		if f.Latency > 0 {
			time.Sleep(f.Latency)
		}
		script := f.Script
		if script == nil {
			script = f.drift
		}
		res := script(req)
		res.FrameID = req.ID
		res.ProcessedAt = time.Now()
		res.Duration = time.Since(start)
		f.results <- res
	}
}

// drift is the default script: a present subject whose pitch oscillates
// slowly through the bad-posture threshold, useful for exercising the whole
// pipeline without a camera.
func (f *FakeEngine) drift(req Request) Result {
	f.mu.Lock()
	f.frames++
	n := float64(f.frames)
	f.mu.Unlock()

	pitch := 8 + 8*math.Sin(n/200)
	ehd := 0.05 + 0.04*math.Sin(n/300)
	conf := 0.9
	return Result{
		Present: true,
		Metrics: &posture.FrameMetrics{
			Pitch:          &pitch,
			EHD:            &ehd,
			FaceConfidence: &conf,
			PoseConfidence: &conf,
			Illumination:   &conf,
		},
	}
}
