// Package capture abstracts the camera behind a small frame source
// interface so the pipeline can run against a real webcam or a synthetic
// source interchangeably. Downscaling to the active short-side rung happens
// here, before frames ever reach the inference engine.
package capture

import (
	"errors"
	"time"
)

// Options configure a frame source at initialise time.
type Options struct {
	// DeviceID selects the camera device.
	DeviceID int
	// ShortSide is the target short side of delivered frames in pixels.
	// Frames are downscaled preserving aspect ratio; a source never
	// upscales.
	ShortSide int
}

// Frame is one captured, downscaled image: packed 8-bit BGR rows.
type Frame struct {
	CapturedAt time.Time
	Width      int
	Height     int
	Pixels     []byte
}

// Source produces frames on demand. Implementations are not safe for
// concurrent use; the pipeline's capture loop is the single caller.
type Source interface {
	Initialise(opts Options) error
	// CaptureFrame grabs and downscales one frame.
	CaptureFrame() (*Frame, error)
	// SetShortSide changes the downscale target without reopening the
	// device. Takes effect from the next frame.
	SetShortSide(px int)
	// SwitchDevice opens the new device and confirms a frame from it
	// before closing the old one, so a failed switch leaves the previous
	// device running.
	SwitchDevice(deviceID int) error
	// Devices reports the device IDs currently available from this source.
	// Probing may be slow; callers should not invoke it per frame.
	Devices() []int
	Dispose() error
}

var (
	ErrNotInitialised = errors.New("capture: source not initialised")
	ErrEmptyFrame     = errors.New("capture: empty frame")
)

// scaledDims returns the downscaled dimensions for a target short side,
// preserving aspect ratio and never upscaling.
func scaledDims(w, h, shortSide int) (int, int) {
	if w <= 0 || h <= 0 || shortSide <= 0 {
		return w, h
	}
	short := w
	if h < short {
		short = h
	}
	if short <= shortSide {
		return w, h
	}
	scale := float64(shortSide) / float64(short)
	return int(float64(w)*scale + 0.5), int(float64(h)*scale + 0.5)
}
