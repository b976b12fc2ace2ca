package posture

import (
	"math"
	"testing"
	"time"
)

// scriptedCPU returns a ProcessCPUFunc that replays cumulative CPU times.
func scriptedCPU(times ...time.Duration) ProcessCPUFunc {
	i := 0
	return func() (time.Duration, error) {
		if i >= len(times) {
			return times[len(times)-1], nil
		}
		t := times[i]
		i++
		return t, nil
	}
}

func TestCPUMonitorFirstSamplePrimes(t *testing.T) {
	m := NewCPULoadMonitor(5*time.Second, scriptedCPU(0, 500*time.Millisecond))
	t0 := time.Unix(1000, 0)

	if _, ok := m.Sample(t0); ok {
		t.Error("first sample should only prime the baseline")
	}

	pct, ok := m.Sample(t0.Add(5 * time.Second))
	if !ok {
		t.Fatal("second sample should produce a reading")
	}
	// 500ms CPU over 5s wall = 10%.
	if math.Abs(pct-10) > 0.001 {
		t.Errorf("utilisation = %f%%, want 10%%", pct)
	}
}

func TestCPUMonitorAverage(t *testing.T) {
	// 0 -> 1s -> 2.5s cumulative CPU over two 5s spans: 20% then 30%.
	m := NewCPULoadMonitor(5*time.Second, scriptedCPU(0, 1*time.Second, 2500*time.Millisecond))
	t0 := time.Unix(1000, 0)

	m.Sample(t0)
	m.Sample(t0.Add(5 * time.Second))
	m.Sample(t0.Add(10 * time.Second))

	if got := m.Average(); math.Abs(got-25) > 0.001 {
		t.Errorf("Average() = %f, want 25", got)
	}
}

func TestCPUMonitorWindowBounded(t *testing.T) {
	times := make([]time.Duration, cpuWindowSize*2+2)
	for i := range times {
		times[i] = time.Duration(i) * 250 * time.Millisecond // constant 5%
	}
	m := NewCPULoadMonitor(5*time.Second, scriptedCPU(times...))

	now := time.Unix(1000, 0)
	for range times {
		m.Sample(now)
		now = now.Add(5 * time.Second)
	}

	m.mu.Lock()
	n := len(m.window)
	m.mu.Unlock()
	if n > cpuWindowSize {
		t.Errorf("window grew to %d samples, cap is %d", n, cpuWindowSize)
	}
	if got := m.Average(); math.Abs(got-5) > 0.001 {
		t.Errorf("Average() = %f, want 5", got)
	}
}

func TestCPUMonitorReset(t *testing.T) {
	m := NewCPULoadMonitor(5*time.Second, scriptedCPU(0, time.Second, time.Second, 2*time.Second))
	t0 := time.Unix(1000, 0)
	m.Sample(t0)
	m.Sample(t0.Add(5 * time.Second))
	if m.Average() == 0 {
		t.Fatal("expected non-zero average before reset")
	}

	m.Reset()
	if got := m.Average(); got != 0 {
		t.Errorf("Average() after reset = %f, want 0", got)
	}
	// Next sample primes again rather than producing a bogus delta.
	if _, ok := m.Sample(t0.Add(10 * time.Second)); ok {
		t.Error("sample after reset should re-prime")
	}
}

func TestReadProcessCPUTime(t *testing.T) {
	// Smoke test against the real /proc on Linux.
	d, err := readProcessCPUTime()
	if err != nil {
		t.Skipf("no /proc/self/stat on this platform: %v", err)
	}
	if d < 0 {
		t.Errorf("negative CPU time %v", d)
	}
}
