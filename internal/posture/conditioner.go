package posture

import (
	"math"
	"sync"
)

// Observation is one per-frame input to the conditioner for a single metric.
type Observation struct {
	Raw        *float64
	Confidence Confidence
	Source     MetricSource
	Outlier    bool
}

// ObservationSet carries one observation per tracked metric.
type ObservationSet struct {
	Pitch Observation
	Yaw   Observation
	Roll  Observation
	EHD   Observation
	DPR   Observation
}

// MetricConditioner applies EMA smoothing and confidence/source bookkeeping
// to the five tracked series. Smoothing only consumes finite raw values;
// when a raw value is absent the smoothed estimate holds its last good
// value. Given the same observation sequence the conditioner always
// produces the same smoothed trajectory.
type MetricConditioner struct {
	mu    sync.Mutex
	alpha float64
	set   MetricSet
}

// NewMetricConditioner creates a conditioner with the given EMA alpha.
// Out-of-range alphas fall back to the 0.2 default.
func NewMetricConditioner(alpha float64) *MetricConditioner {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &MetricConditioner{alpha: alpha}
}

// Ingest conditions one frame's observations and returns the updated set.
func (c *MetricConditioner) Ingest(obs ObservationSet) MetricSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.set.Pitch = c.update(c.set.Pitch, obs.Pitch)
	c.set.Yaw = c.update(c.set.Yaw, obs.Yaw)
	c.set.Roll = c.update(c.set.Roll, obs.Roll)
	c.set.EHD = c.update(c.set.EHD, obs.EHD)
	c.set.DPR = c.update(c.set.DPR, obs.DPR)
	return c.set
}

// Snapshot returns the current conditioned state without ingesting.
func (c *MetricConditioner) Snapshot() MetricSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}

// Reset clears all series to their unseeded state.
func (c *MetricConditioner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set = MetricSet{}
}

func (c *MetricConditioner) update(s MetricSeries, obs Observation) MetricSeries {
	// Confidence, source and outlier flags are per-frame pass-through;
	// only the smoothed estimate persists across absent frames.
	s.Raw = obs.Raw
	s.Confidence = obs.Confidence
	s.Source = obs.Source
	s.Outlier = obs.Outlier

	if obs.Raw == nil || math.IsNaN(*obs.Raw) || math.IsInf(*obs.Raw, 0) {
		return s
	}

	if !s.Seeded {
		s.Smoothed = *obs.Raw
		s.Seeded = true
		return s
	}
	s.Smoothed = s.Smoothed*(1-c.alpha) + *obs.Raw*c.alpha
	return s
}

// ObservationsFromResult maps a worker result onto conditioner observations.
// Worker-provided metrics are authoritative; when the worker supplies
// landmarks but no value for a metric, a geometric derivation substitutes
// at LOW confidence and is flagged with its source rather than blended.
// A nil result produces an all-absent set, so downstream state machines
// see explicit "no data" instead of stale values.
func ObservationsFromResult(metrics *FrameMetrics, landmarks *Landmarks, minFaceConf, minPoseConf float64) ObservationSet {
	var out ObservationSet
	fields := []struct {
		metric Metric
		dst    *Observation
	}{
		{MetricPitch, &out.Pitch},
		{MetricYaw, &out.Yaw},
		{MetricRoll, &out.Roll},
		{MetricEHD, &out.EHD},
		{MetricDPR, &out.DPR},
	}

	var geo *FrameMetrics
	if landmarks != nil {
		geo = DeriveMetrics(landmarks)
	}

	conf := ConfidenceHigh
	if metrics != nil {
		if metrics.FaceConfidence != nil && *metrics.FaceConfidence < minFaceConf {
			conf = ConfidenceLow
		}
		if metrics.PoseConfidence != nil && *metrics.PoseConfidence < minPoseConf {
			conf = ConfidenceLow
		}
	}

	for _, f := range fields {
		var workerVal *float64
		var outlier bool
		if metrics != nil {
			workerVal = metrics.value(f.metric)
			outlier = metrics.Outliers[f.metric]
		}

		switch {
		case workerVal != nil:
			*f.dst = Observation{Raw: workerVal, Confidence: conf, Source: SourceWorker, Outlier: outlier}
		case geo != nil && geo.value(f.metric) != nil:
			*f.dst = Observation{Raw: geo.value(f.metric), Confidence: ConfidenceLow, Source: SourceGeometric}
		default:
			*f.dst = Observation{Confidence: ConfidenceNone, Source: SourceNone}
		}
	}

	return out
}

// value returns the worker-reported value for a metric, nil when absent.
func (m *FrameMetrics) value(metric Metric) *float64 {
	switch metric {
	case MetricPitch:
		return m.Pitch
	case MetricYaw:
		return m.Yaw
	case MetricRoll:
		return m.Roll
	case MetricEHD:
		return m.EHD
	case MetricDPR:
		return m.DPR
	}
	return nil
}
