package capture

import (
	"fmt"
	"sync"
	"time"
)

// FakeSource is a synthetic Source for development mode and tests. It
// fabricates frames at the configured source dimensions and applies the
// same downscale policy as the real webcam.
type FakeSource struct {
	// SourceWidth/SourceHeight are the pretend native camera dimensions.
	// Zero values default to 640x480.
	SourceWidth  int
	SourceHeight int
	// FailDevices lists device IDs that refuse to open, for exercising
	// switch-failure paths.
	FailDevices map[int]bool

	mu        sync.Mutex
	deviceID  int
	shortSide int
	open      bool
	frames    uint64
}

func (f *FakeSource) Initialise(opts Options) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDevices[opts.DeviceID] {
		return fmt.Errorf("fake camera %d refused to open", opts.DeviceID)
	}
	if f.SourceWidth == 0 {
		f.SourceWidth = 640
	}
	if f.SourceHeight == 0 {
		f.SourceHeight = 480
	}
	f.deviceID = opts.DeviceID
	f.shortSide = opts.ShortSide
	f.open = true
	return nil
}

func (f *FakeSource) CaptureFrame() (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil, ErrNotInitialised
	}
	f.frames++
	w, h := scaledDims(f.SourceWidth, f.SourceHeight, f.shortSide)
	return &Frame{
		CapturedAt: time.Now(),
		Width:      w,
		Height:     h,
		Pixels:     make([]byte, w*h*3),
	}, nil
}

func (f *FakeSource) SetShortSide(px int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shortSide = px
}

func (f *FakeSource) SwitchDevice(deviceID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotInitialised
	}
	if f.FailDevices[deviceID] {
		return fmt.Errorf("fake camera %d produced no frame, keeping camera %d", deviceID, f.deviceID)
	}
	f.deviceID = deviceID
	return nil
}

// Devices reports three synthetic cameras minus any listed in FailDevices.
func (f *FakeSource) Devices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int
	for id := 0; id < 3; id++ {
		if !f.FailDevices[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *FakeSource) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

// Frames reports how many frames were captured, for test assertions.
func (f *FakeSource) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// DeviceID reports the active device, for test assertions.
func (f *FakeSource) DeviceID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceID
}
