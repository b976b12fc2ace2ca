// Package dispatch implements the single-slot frame dispatch protocol
// between the capture loop and the inference engine: at most one frame is
// in flight, frames arriving while the slot is occupied are dropped (never
// queued), and a slot is reclaimed by result, worker error or timeout.
package dispatch

import (
	"sync"
	"time"

	"github.com/banshee-data/posture.report/internal/infer"
)

// SkipReason records why a dispatched frame produced no usable result.
type SkipReason string

const (
	SkipTimeout     SkipReason = "timeout"
	SkipWorkerError SkipReason = "worker_error"
)

// Outcome is the dispatcher's answer for one accepted frame: either a
// completed result or a skip. Exactly one outcome is emitted per accepted
// frame; dropped frames emit nothing.
type Outcome struct {
	FrameID    uint64
	CapturedAt time.Time
	Skipped    bool
	SkipReason SkipReason
	// Result is nil when Skipped, except for worker errors where the
	// partial result is kept for diagnostics.
	Result *infer.Result
}

// Stats are the dispatcher's monotonic counters.
type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Completed    uint64 `json:"completed"`
	DroppedBusy  uint64 `json:"dropped_busy"`
	Timeouts     uint64 `json:"timeouts"`
	WorkerErrors uint64 `json:"worker_errors"`
	LateDiscards uint64 `json:"late_discards"`
}

// Dispatcher owns the engine's single in-flight slot. TryDispatch never
// blocks; outcomes are delivered on a channel consumed by the pipeline.
type Dispatcher struct {
	engine  infer.Engine
	timeout time.Duration

	mu       sync.Mutex
	nextID   uint64
	inFlight uint64 // 0 means the slot is free
	sentAt   time.Time
	timer    *time.Timer
	stats    Stats

	outcomes chan Outcome
	done     chan struct{}
}

// New creates a dispatcher over an initialised engine. timeout bounds how
// long a dispatched frame may stay in flight before it is skipped.
func New(engine infer.Engine, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		timeout:  timeout,
		outcomes: make(chan Outcome, 8),
		done:     make(chan struct{}),
	}
	go d.resultLoop()
	return d
}

// Outcomes returns the outcome stream. It closes once the engine's result
// channel closes and the last outcome has been delivered.
func (d *Dispatcher) Outcomes() <-chan Outcome { return d.outcomes }

// TryDispatch submits a frame if the slot is free. The returned ID is zero
// when the frame was dropped.
func (d *Dispatcher) TryDispatch(capturedAt time.Time, img infer.Image) (uint64, bool) {
	d.mu.Lock()
	if d.inFlight != 0 {
		d.stats.DroppedBusy++
		d.mu.Unlock()
		return 0, false
	}

	d.nextID++
	id := d.nextID
	req := infer.Request{ID: id, CapturedAt: capturedAt, Image: img}
	if err := d.engine.ProcessFrame(req); err != nil {
		d.stats.DroppedBusy++
		d.nextID--
		d.mu.Unlock()
		diagf("engine refused frame: %v", err)
		return 0, false
	}

	d.inFlight = id
	d.sentAt = capturedAt
	d.stats.Dispatched++
	d.timer = time.AfterFunc(d.timeout, func() { d.onTimeout(id) })
	d.mu.Unlock()
	return id, true
}

// InFlight reports whether a frame currently occupies the slot.
func (d *Dispatcher) InFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight != 0
}

// Stats returns a copy of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) resultLoop() {
	for res := range d.engine.Results() {
		if out, ok := d.onResult(res); ok {
			d.outcomes <- out
		}
	}
	close(d.outcomes)
	close(d.done)
}

// onResult reclaims the slot for a matching result. Results for frames the
// timeout already skipped are discarded: a frame's outcome is emitted
// exactly once.
func (d *Dispatcher) onResult(res infer.Result) (Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if res.FrameID != d.inFlight {
		d.stats.LateDiscards++
		tracef("discarding late result for frame %d", res.FrameID)
		return Outcome{}, false
	}
	d.clearSlotLocked()

	out := Outcome{FrameID: res.FrameID, CapturedAt: d.sentAt, Result: &res}
	if res.Err != nil {
		d.stats.WorkerErrors++
		out.Skipped = true
		out.SkipReason = SkipWorkerError
		diagf("worker error on frame %d: %v", res.FrameID, res.Err)
		return out, true
	}

	d.stats.Completed++
	return out, true
}

func (d *Dispatcher) onTimeout(id uint64) {
	d.mu.Lock()
	if d.inFlight != id {
		d.mu.Unlock()
		return
	}
	d.clearSlotLocked()
	d.stats.Timeouts++
	sentAt := d.sentAt
	d.mu.Unlock()

	diagf("frame %d timed out after %v", id, d.timeout)
	select {
	case d.outcomes <- Outcome{FrameID: id, CapturedAt: sentAt, Skipped: true, SkipReason: SkipTimeout}:
	case <-d.done:
	}
}

func (d *Dispatcher) clearSlotLocked() {
	d.inFlight = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
