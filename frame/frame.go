// Package frame holds camera exposures handed to the trigger pipeline and the
// fixed pool of pixel buffers backing them.
package frame

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	epoch     = time.Now()
	ntpOffset atomic.Int64
)

// AcquisitionTime records when a frame was taken on three clocks.
type AcquisitionTime struct {
	Nano int64     // monotonic nanoseconds since process start
	Wall time.Time // device wall clock
	NTP  time.Time // wall clock corrected by the last NTP offset
}

// Now samples all three clocks.
func Now() AcquisitionTime {
	t := time.Now()
	return AcquisitionTime{
		Nano: int64(t.Sub(epoch)),
		Wall: t,
		NTP:  t.Add(time.Duration(ntpOffset.Load())),
	}
}

// At builds an AcquisitionTime for a monotonic offset. Used by replayed and
// synthetic sources.
func At(nano int64) AcquisitionTime {
	t := epoch.Add(time.Duration(nano))
	return AcquisitionTime{Nano: nano, Wall: t, NTP: t.Add(time.Duration(ntpOffset.Load()))}
}

// SetNTPOffset records the correction between the device clock and NTP.
func SetNTPOffset(d time.Duration) { ntpOffset.Store(int64(d)) }

type Location struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Alt      float64   `json:"alt"`
	Accuracy float64   `json:"accuracy"`
	FixTime  time.Time `json:"fix_time"`
}

// Environment is the device snapshot taken alongside each frame.
type Environment struct {
	Location    Location
	Orientation [3]float64
	RotationZZ  float64 // cosine between vertical and the camera axis
	Pressure    float64
	BatteryTemp int
	FacingBack  bool
}

// Stats are the per-frame summaries computed by the image pipeline.
type Stats struct {
	Max int
	Avg float64
	Std float64
}

// Owner is notified exactly once when a frame assigned to it is retired.
type Owner interface {
	ClearFrame(f *Frame)
}

// Frame is one camera exposure. Its pixel buffer belongs to a Pool and is
// returned by Retire, which is safe to call from any exit path.
type Frame struct {
	Width    int
	Height   int
	Camera   string
	Acquired AcquisitionTime
	Env      Environment
	Stats    Stats
	Hist     []int64 // raw pixel value counts, 256 bins

	mu      sync.Mutex
	buf     *Buffer
	owner   Owner
	retired bool
}

// New wraps a checked-out buffer.
func New(buf *Buffer, width, height int) *Frame {
	return &Frame{buf: buf, Width: width, Height: height}
}

// Pixels returns the 8-bit luminance plane, or nil once the frame is retired.
func (f *Frame) Pixels() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf == nil {
		return nil
	}
	return f.buf.Data
}

// At returns the pixel value at (x, y).
func (f *Frame) At(x, y int) int {
	pix := f.Pixels()
	if pix == nil || x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return int(pix[y*f.Width+x])
}

// SetOwner records the block the frame was assigned to. It returns false if
// the frame already has an owner or was retired.
func (f *Frame) SetOwner(o Owner) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner != nil || f.retired {
		return false
	}
	f.owner = o
	return true
}

func (f *Frame) Owner() Owner {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner
}

// Retired reports whether Retire has run.
func (f *Frame) Retired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retired
}

// Retire returns the pixel buffer to its pool and clears the frame from its
// owner. Only the first call has any effect; it reports whether this call
// performed the release.
func (f *Frame) Retire() bool {
	f.mu.Lock()
	if f.retired {
		f.mu.Unlock()
		return false
	}
	f.retired = true
	buf, owner := f.buf, f.owner
	f.buf = nil
	f.mu.Unlock()

	if buf != nil {
		buf.Release()
	}
	if owner != nil {
		owner.ClearFrame(f)
	}
	return true
}
