// Package infer defines the contract between the posture pipeline and the
// landmark inference worker, plus a fake in-process engine for development
// and tests. Real engines wrap an external model runtime; the pipeline only
// ever sees this interface.
package infer

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/posture.report/internal/posture"
)

// Image is a decoded frame handed to the worker: packed 8-bit BGR rows.
// Keeping the pixel buffer opaque here confines the capture library to the
// capture package.
type Image struct {
	Width  int
	Height int
	Pixels []byte
}

// Request is one frame submitted for inference. IDs are assigned by the
// dispatcher and increase monotonically; results are matched back by ID.
type Request struct {
	ID         uint64
	CapturedAt time.Time
	Image      Image
}

// Result is the worker's answer for one request. Err is set when the worker
// failed on this frame; Present reports whether a subject was detected at
// all. Metrics and Landmarks may each be nil independently.
type Result struct {
	FrameID     uint64
	ProcessedAt time.Time
	Duration    time.Duration

	Present   bool
	Metrics   *posture.FrameMetrics
	Landmarks *posture.Landmarks

	Err error
}

// EngineConfig carries the per-session engine settings. It is applied at
// Initialize time only; changing it requires a shutdown and re-initialise,
// which the pipeline performs as an atomic restart.
type EngineConfig struct {
	Delegate posture.Delegate
	// TargetFPS and ShortSide let the engine size its internal buffers and
	// pick a model variant; the pipeline remains authoritative for pacing
	// and downscaling.
	TargetFPS float64
	ShortSide int
	// AssetBaseURL overrides where the engine loads its model bundle from.
	// Empty means the engine's built-in location.
	AssetBaseURL string
	// AlternatingFrameCadence > 1 asks the engine to run its heavier model
	// head only every Nth frame and interpolate in between.
	AlternatingFrameCadence int
}

// Engine is the asynchronous inference worker. ProcessFrame must not block
// on inference: it either accepts the frame or returns an error
// immediately. Completed results arrive on Results in submission order.
type Engine interface {
	Initialize(ctx context.Context, cfg EngineConfig) error
	ProcessFrame(req Request) error
	Results() <-chan Result
	Shutdown(ctx context.Context) error
}

var (
	// ErrNotInitialized is returned by ProcessFrame before Initialize or
	// after Shutdown.
	ErrNotInitialized = errors.New("infer: engine not initialized")
	// ErrBusy is returned when the engine cannot accept another frame.
	ErrBusy = errors.New("infer: engine busy")
)
