package capture

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Webcam is the gocv-backed Source for a physical camera.
type Webcam struct {
	mu        sync.Mutex
	cam       *gocv.VideoCapture
	deviceID  int
	shortSide int
	buf       gocv.Mat
	open      bool
}

// NewWebcam returns an unopened webcam source; call Initialise before use.
func NewWebcam() *Webcam {
	return &Webcam{buf: gocv.NewMat()}
}

func (w *Webcam) Initialise(opts Options) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cam, err := gocv.OpenVideoCapture(opts.DeviceID)
	if err != nil {
		return fmt.Errorf("opening camera %d: %w", opts.DeviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return fmt.Errorf("camera %d did not open", opts.DeviceID)
	}

	w.cam = cam
	w.deviceID = opts.DeviceID
	w.shortSide = opts.ShortSide
	w.open = true
	opsf("camera %d opened, short side %dpx", opts.DeviceID, opts.ShortSide)
	return nil
}

func (w *Webcam) CaptureFrame() (*Frame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return nil, ErrNotInitialised
	}
	if ok := w.cam.Read(&w.buf); !ok || w.buf.Empty() {
		return nil, ErrEmptyFrame
	}
	capturedAt := time.Now()

	frame, err := w.downscaleLocked(w.buf)
	if err != nil {
		return nil, err
	}
	frame.CapturedAt = capturedAt
	return frame, nil
}

// downscaleLocked converts a raw Mat into a Frame at the current short-side
// target. The intermediate Mat is always closed before returning.
func (w *Webcam) downscaleLocked(src gocv.Mat) (*Frame, error) {
	tw, th := scaledDims(src.Cols(), src.Rows(), w.shortSide)

	mat := src
	if tw != src.Cols() || th != src.Rows() {
		resized := gocv.NewMat()
		gocv.Resize(src, &resized, image.Point{X: tw, Y: th}, 0, 0, gocv.InterpolationArea)
		defer resized.Close()
		mat = resized
	}

	pixels := mat.ToBytes()
	out := make([]byte, len(pixels))
	copy(out, pixels)
	return &Frame{Width: mat.Cols(), Height: mat.Rows(), Pixels: out}, nil
}

func (w *Webcam) SetShortSide(px int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if px != w.shortSide {
		diagf("short side %dpx -> %dpx", w.shortSide, px)
		w.shortSide = px
	}
}

// SwitchDevice opens the replacement camera and confirms it delivers a
// frame before the old device is released. On any failure the current
// device keeps running.
func (w *Webcam) SwitchDevice(deviceID int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return ErrNotInitialised
	}
	if deviceID == w.deviceID {
		return nil
	}

	next, err := gocv.OpenVideoCapture(deviceID)
	if err != nil {
		return fmt.Errorf("opening camera %d: %w", deviceID, err)
	}
	probe := gocv.NewMat()
	defer probe.Close()
	if !next.IsOpened() || !next.Read(&probe) || probe.Empty() {
		next.Close()
		return fmt.Errorf("camera %d produced no frame, keeping camera %d", deviceID, w.deviceID)
	}

	old := w.cam
	w.cam = next
	w.deviceID = deviceID
	old.Close()
	opsf("switched to camera %d", deviceID)
	return nil
}

// maxProbeDevices bounds enumeration; camera indices above this are rare
// enough not to probe.
const maxProbeDevices = 8

// Devices probes camera indices and reports the ones that open. The active
// device is reported without probing so enumeration never disturbs a live
// capture.
func (w *Webcam) Devices() []int {
	w.mu.Lock()
	active, open := w.deviceID, w.open
	w.mu.Unlock()

	var ids []int
	for id := 0; id < maxProbeDevices; id++ {
		if open && id == active {
			ids = append(ids, id)
			continue
		}
		cam, err := gocv.OpenVideoCapture(id)
		if err != nil {
			continue
		}
		if cam.IsOpened() {
			ids = append(ids, id)
		}
		cam.Close()
	}
	return ids
}

func (w *Webcam) Dispose() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.open {
		return nil
	}
	w.open = false
	w.buf.Close()
	if err := w.cam.Close(); err != nil {
		return fmt.Errorf("closing camera %d: %w", w.deviceID, err)
	}
	return nil
}
