package posture

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// cpuWindowSize bounds the utilisation sample window. At the default 5s
// sample interval this covers one minute of history.
const cpuWindowSize = 12

// ProcessCPUFunc returns the total CPU time this process has consumed.
// Injectable so tests can drive the monitor with synthetic readings.
type ProcessCPUFunc func() (time.Duration, error)

// CPULoadMonitor periodically samples process CPU utilisation and exposes a
// windowed average. It is a pure sensor: policy decisions (throttling,
// resolution stepping) live in their own components.
type CPULoadMonitor struct {
	mu       sync.Mutex
	readCPU  ProcessCPUFunc
	interval time.Duration

	lastCPU  time.Duration
	lastWall time.Time
	primed   bool

	window []float64 // utilisation percentages, oldest first
}

// NewCPULoadMonitor creates a monitor sampling at the given interval.
// A nil readCPU defaults to the /proc-based process reader.
func NewCPULoadMonitor(interval time.Duration, readCPU ProcessCPUFunc) *CPULoadMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if readCPU == nil {
		readCPU = readProcessCPUTime
	}
	return &CPULoadMonitor{
		readCPU:  readCPU,
		interval: interval,
		window:   make([]float64, 0, cpuWindowSize),
	}
}

// Run samples on the configured interval until the context is cancelled.
// onSample, when non-nil, is invoked with each new utilisation percentage;
// this is how the resolution stepper observes the monitor.
func (m *CPULoadMonitor) Run(ctx context.Context, onSample func(pct float64, now time.Time)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pct, ok := m.Sample(now)
			if ok && onSample != nil {
				onSample(pct, now)
			}
		}
	}
}

// Sample takes one utilisation reading at now. The first call primes the
// baseline and reports ok=false; subsequent calls report the utilisation
// percentage over the elapsed wall-clock span.
func (m *CPULoadMonitor) Sample(now time.Time) (pct float64, ok bool) {
	cpu, err := m.readCPU()
	if err != nil {
		opsf("[CPUMonitor] failed to read process CPU time: %v", err)
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.primed {
		m.lastCPU = cpu
		m.lastWall = now
		m.primed = true
		return 0, false
	}

	wall := now.Sub(m.lastWall)
	if wall <= 0 {
		return 0, false
	}
	used := cpu - m.lastCPU
	if used < 0 {
		used = 0
	}
	m.lastCPU = cpu
	m.lastWall = now

	pct = 100 * float64(used) / float64(wall)
	m.window = append(m.window, pct)
	if len(m.window) > cpuWindowSize {
		m.window = m.window[1:]
	}
	tracef("[CPUMonitor] sample %.1f%% over %v (window avg %.1f%%)", pct, wall, m.averageLocked())
	return pct, true
}

// Average returns the mean utilisation over the sample window, or zero when
// no samples have been taken yet.
func (m *CPULoadMonitor) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

func (m *CPULoadMonitor) averageLocked() float64 {
	if len(m.window) == 0 {
		return 0
	}
	return stat.Mean(m.window, nil)
}

// Reset clears the sample window and the priming baseline.
func (m *CPULoadMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.window = m.window[:0]
	m.primed = false
}

// readProcessCPUTime reads utime+stime for the current process from
// /proc/self/stat. Fields 14 and 15 are in clock ticks; Linux fixes
// USER_HZ at 100 for the sysconf interface.
func readProcessCPUTime() (time.Duration, error) {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/self/stat: %w", err)
	}

	// The comm field (2) may contain spaces; skip past the closing paren.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 >= len(s) {
		return 0, fmt.Errorf("malformed /proc/self/stat")
	}
	fields := strings.Fields(s[idx+2:])
	// After comm, utime and stime are fields 12 and 13 (0-based).
	if len(fields) < 14 {
		return 0, fmt.Errorf("short /proc/self/stat: %d fields", len(fields))
	}

	var utime, stime uint64
	if _, err := fmt.Sscanf(fields[11], "%d", &utime); err != nil {
		return 0, fmt.Errorf("parse utime: %w", err)
	}
	if _, err := fmt.Sscanf(fields[12], "%d", &stime); err != nil {
		return 0, fmt.Errorf("parse stime: %w", err)
	}

	const userHz = 100
	ticks := utime + stime
	return time.Duration(ticks) * time.Second / userHz, nil
}
