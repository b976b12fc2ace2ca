package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posture.report/internal/posture"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "ticks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func testTick(frameID uint64, at time.Time, score float64) posture.Tick {
	return posture.Tick{
		Timestamp:   at,
		FrameID:     frameID,
		Present:     true,
		Reliability: posture.ReliabilityOK,
		Metrics: posture.MetricSet{
			Pitch: posture.MetricSeries{Smoothed: 8.5, Seeded: true},
		},
		Score:     score,
		Zone:      posture.ZoneForScore(score),
		State:     posture.RiskGood,
		TargetFPS: 20,
		ShortSide: 288,
	}
}

func TestRecorderSessionAndTicks(t *testing.T) {
	r := openTestRecorder(t)

	assert.Error(t, r.RecordTick(testTick(1, time.Now(), 90)), "RecordTick before BeginSession should fail")

	id, err := r.BeginSession(time.Now(), "balanced", posture.PresetBalanced)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, r.SessionID())

	now := time.Now()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, r.RecordTick(testTick(i, now.Add(time.Duration(i)*time.Second), 90)))
	}

	n, err := r.TickCount()
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRecorderTransitions(t *testing.T) {
	r := openTestRecorder(t)
	_, err := r.BeginSession(time.Now(), "quality", posture.PresetQuality)
	require.NoError(t, err)

	assert.NoError(t, r.RecordTransition(time.Now(), posture.RiskGood, posture.RiskAtRisk, 72))
}

func TestRecorderPruneBefore(t *testing.T) {
	r := openTestRecorder(t)
	_, err := r.BeginSession(time.Now(), "balanced", posture.PresetBalanced)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, r.RecordTick(testTick(1, now.Add(-2*time.Hour), 85)))
	require.NoError(t, r.RecordTick(testTick(2, now.Add(-time.Hour), 85)))
	require.NoError(t, r.RecordTick(testTick(3, now, 85)))

	pruned, err := r.PruneBefore(now.Add(-90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	n, err := r.TickCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRecorderRecentScores(t *testing.T) {
	r := openTestRecorder(t)
	_, err := r.BeginSession(time.Now(), "balanced", posture.PresetBalanced)
	require.NoError(t, err)

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.RecordTick(testTick(uint64(i+1), base.Add(time.Duration(i)*time.Second), float64(50+i))))
	}

	points, err := r.RecentScores(5)
	require.NoError(t, err)
	require.Len(t, points, 5)

	// Most recent five, oldest first.
	assert.Equal(t, 55.0, points[0].Score)
	assert.Equal(t, 59.0, points[4].Score)
	assert.True(t, points[0].Timestamp.Before(points[4].Timestamp), "points not in ascending time order")
}

func TestRecorderReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.db")

	r, err := Open(path)
	require.NoError(t, err)
	_, err = r.BeginSession(time.Now(), "balanced", posture.PresetBalanced)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// Reopening an already-migrated database must not fail.
	r2, err := Open(path)
	require.NoError(t, err)
	assert.NoError(t, r2.Close())
}
