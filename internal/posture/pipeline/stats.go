package pipeline

import (
	"sync"
	"time"
)

// FrameStats tracks capture and tick statistics with thread-safe operations.
type FrameStats struct {
	mu            sync.Mutex
	capturedCount int64
	captureErrors int64
	droppedCount  int64
	tickCount     int64
	skippedCount  int64
	lastReset     time.Time
}

// NewFrameStats creates a new FrameStats instance.
func NewFrameStats() *FrameStats {
	return &FrameStats{lastReset: time.Now()}
}

// AddCaptured increments the captured frame count.
func (fs *FrameStats) AddCaptured() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.capturedCount++
}

// AddCaptureError increments the capture error count.
func (fs *FrameStats) AddCaptureError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.captureErrors++
}

// AddDropped increments the count of frames dropped at dispatch.
func (fs *FrameStats) AddDropped() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.droppedCount++
}

// AddTick records one emitted tick; skipped marks worker failures/timeouts.
func (fs *FrameStats) AddTick(skipped bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tickCount++
	if skipped {
		fs.skippedCount++
	}
}

// StatsSummary is a point-in-time view of the counters with derived rates.
type StatsSummary struct {
	Captured      int64         `json:"captured"`
	CaptureErrors int64         `json:"capture_errors"`
	Dropped       int64         `json:"dropped"`
	Ticks         int64         `json:"ticks"`
	Skipped       int64         `json:"skipped"`
	Window        time.Duration `json:"window"`
	AchievedFPS   float64       `json:"achieved_fps"`
}

// GetAndReset returns current stats and resets counters.
func (fs *FrameStats) GetAndReset() StatsSummary {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	s := StatsSummary{
		Captured:      fs.capturedCount,
		CaptureErrors: fs.captureErrors,
		Dropped:       fs.droppedCount,
		Ticks:         fs.tickCount,
		Skipped:       fs.skippedCount,
		Window:        now.Sub(fs.lastReset),
	}
	if s.Window > 0 {
		s.AchievedFPS = float64(s.Ticks) / s.Window.Seconds()
	}

	fs.capturedCount = 0
	fs.captureErrors = 0
	fs.droppedCount = 0
	fs.tickCount = 0
	fs.skippedCount = 0
	fs.lastReset = now
	return s
}

// Peek returns the counters without resetting them.
func (fs *FrameStats) Peek() StatsSummary {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	s := StatsSummary{
		Captured:      fs.capturedCount,
		CaptureErrors: fs.captureErrors,
		Dropped:       fs.droppedCount,
		Ticks:         fs.tickCount,
		Skipped:       fs.skippedCount,
		Window:        now.Sub(fs.lastReset),
	}
	if s.Window > 0 {
		s.AchievedFPS = float64(s.Ticks) / s.Window.Seconds()
	}
	return s
}

// LogStats logs one summary line and resets the counters.
func (fs *FrameStats) LogStats() {
	s := fs.GetAndReset()
	if s.Captured == 0 && s.CaptureErrors == 0 {
		return
	}
	opsf("frame stats: %.1f fps achieved, %d captured, %d dropped, %d skipped, %d capture errors over %v",
		s.AchievedFPS, s.Captured, s.Dropped, s.Skipped, s.CaptureErrors, s.Window.Round(time.Second))
}
