package frame

import (
	"context"
	"errors"

	"github.com/crayfis/xbdaq/histogram"
)

// ErrNoBuffer is returned by a Source when the pool has no free buffer. The
// exposure is lost but acquisition continues.
var ErrNoBuffer = errors.New("frame: buffer pool exhausted")

// Source delivers frames from one capture backend.
type Source interface {
	Name() string
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Reconfigurer is implemented by sources that can tear down and re-acquire
// the underlying camera.
type Reconfigurer interface {
	Reconfigure(ctx context.Context) error
}

// Sensors supplies the device snapshot attached to every frame.
type Sensors interface {
	Environment() Environment
}

// StaticSensors always reports the same snapshot.
type StaticSensors struct {
	Env Environment
}

func (s StaticSensors) Environment() Environment { return s.Env }

// ComputeStats fills the frame's raw pixel histogram and max/avg/std.
func ComputeStats(f *Frame) {
	pix := f.Pixels()
	counts := make([]int64, 256)
	for _, p := range pix {
		counts[p]++
	}
	h := histogram.New(256)
	h.FillCounts(counts)

	maxVal := 0
	for i := len(counts) - 1; i >= 0; i-- {
		if counts[i] > 0 {
			maxVal = i
			break
		}
	}
	f.Hist = counts
	f.Stats = Stats{
		Max: maxVal,
		Avg: h.Mean(),
		Std: sqrt(h.Variance()),
	}
}
