package posture

import (
	"sync"
	"time"
)

// FrameGovernor paces frame capture against a variable-cost processing
// step. It tracks the next admission time: when processing overruns the
// frame interval the overrun is carried into the next admission, so the
// achieved rate never structurally exceeds the configured target and the
// pipeline self-throttles instead of accumulating a backlog.
type FrameGovernor struct {
	mu          sync.Mutex
	targetFPS   float64
	minInterval time.Duration
	nextAllowed time.Time
}

// FrameMark is an opaque marker for one admitted frame's processing span.
type FrameMark struct {
	start time.Time
}

// NewFrameGovernor creates a governor for the given target rate.
// minInterval bounds how soon a frame may follow its predecessor even when
// processing is instant; zero selects the 5 ms default.
func NewFrameGovernor(targetFPS float64, minInterval time.Duration) *FrameGovernor {
	if minInterval <= 0 {
		minInterval = 5 * time.Millisecond
	}
	return &FrameGovernor{
		targetFPS:   targetFPS,
		minInterval: minInterval,
	}
}

// SetTargetFPS replaces the target rate. Takes effect from the next
// CompleteFrame; the current admission window is not reopened.
func (g *FrameGovernor) SetTargetFPS(fps float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.targetFPS = fps
}

// TargetFPS returns the configured target rate.
func (g *FrameGovernor) TargetFPS() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.targetFPS
}

// ShouldProcess reports whether a new frame may be admitted at now.
func (g *FrameGovernor) ShouldProcess(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !now.Before(g.nextAllowed)
}

// NextAllowed returns the earliest time the next frame may be admitted.
func (g *FrameGovernor) NextAllowed() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextAllowed
}

// BeginFrame marks the start of processing for an admitted frame.
func (g *FrameGovernor) BeginFrame(now time.Time) FrameMark {
	return FrameMark{start: now}
}

// CompleteFrame records the end of processing and computes the next
// admission time. If processing exceeded the frame interval, the overrun is
// added on top of the minimum interval; otherwise the remainder of the
// interval (floored at the minimum) is waited out.
func (g *FrameGovernor) CompleteFrame(mark FrameMark, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	processing := now.Sub(mark.start)
	if processing < 0 {
		processing = 0
	}

	interval := g.frameInterval()
	var wait time.Duration
	if overrun := processing - interval; overrun > 0 {
		wait = g.minInterval + overrun
	} else {
		wait = interval - processing
		if wait < g.minInterval {
			wait = g.minInterval
		}
	}

	g.nextAllowed = now.Add(wait)
	tracef("[Governor] frame took %v, next admission in %v (target %.2f fps)",
		processing, wait, g.targetFPS)
}

// Reset clears the admission window, admitting the next frame immediately.
func (g *FrameGovernor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextAllowed = time.Time{}
}

// frameInterval returns the configured inter-frame interval. Callers hold g.mu.
func (g *FrameGovernor) frameInterval() time.Duration {
	if g.targetFPS <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / g.targetFPS)
}
