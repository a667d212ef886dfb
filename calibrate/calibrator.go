// Package calibrate derives trigger thresholds from the recent max-pixel
// distribution and finds hot cells during precalibration.
package calibrate

import (
	"time"

	"github.com/crayfis/xbdaq/histogram"
	"github.com/rs/zerolog"
)

// MaxPixelBins covers the 8-bit intensity domain.
const MaxPixelBins = 256

// minL2 bounds reconstruction cost on very quiet sensors.
const minL2 = 2

type Thresholds struct {
	L1 int `json:"l1"`
	L2 int `json:"l2"`
}

// Calibrator keeps a rolling window of per-frame maximum pixel values and the
// matching acquisition times.
type Calibrator struct {
	maxPixels *histogram.Rolling
	times     *histogram.FrameHistory[time.Time]
	log       zerolog.Logger
}

func New(window int, log zerolog.Logger) *Calibrator {
	if window < 1 {
		window = 1
	}
	return &Calibrator{
		maxPixels: histogram.NewRolling(window, MaxPixelBins),
		times:     histogram.NewFrameHistory[time.Time](window),
		log:       log.With().Str("component", "calibrator").Logger(),
	}
}

// AddFrame records one frame's maximum pixel value.
func (c *Calibrator) AddFrame(maxPixel int, at time.Time) {
	c.maxPixels.Add(maxPixel)
	c.times.Add(at)
}

// Len returns the number of frames in the window.
func (c *Calibrator) Len() int { return c.maxPixels.Len() }

// FPS estimates the frame rate over the window. Zero until two frames with
// distinct timestamps have been seen.
func (c *Calibrator) FPS() float64 {
	times := c.times.Values()
	if len(times) < 2 {
		return 0
	}
	span := times[len(times)-1].Sub(times[0])
	if span <= 0 {
		return 0
	}
	return float64(len(times)-1) / span.Seconds()
}

// Clear drops the max-pixel histogram and the frame-rate window.
func (c *Calibrator) Clear() {
	c.maxPixels.Clear()
	c.times.Clear()
}

// Histogram returns a copy of the rolling max-pixel histogram.
func (c *Calibrator) Histogram() *histogram.Histogram {
	return c.maxPixels.Snapshot()
}

// Thresholds computes the pair expected to yield targetEPM candidates per
// minute at the measured frame rate. It returns current unchanged, and false,
// when there is no frame rate or no data to calibrate on.
func (c *Calibrator) Thresholds(targetEPM float64, current Thresholds) (Thresholds, bool) {
	fps := c.FPS()
	if fps <= 0 {
		c.log.Warn().Float64("target_epm", targetEPM).Msg("no frame rate measured, keeping thresholds")
		return current, false
	}
	h := c.Histogram()
	if h.Integral() == 0 {
		c.log.Warn().Msg("empty max-pixel histogram, keeping thresholds")
		return current, false
	}

	targetRate := targetEPM / 60 / fps
	l1 := L1Threshold(h, targetRate)
	next := Thresholds{L1: l1, L2: L2For(l1)}

	c.log.Info().
		Float64("fps", fps).
		Float64("target_rate", targetRate).
		Int64("samples", h.Entries()).
		Int("l1", next.L1).
		Int("l2", next.L2).
		Msg("calibrated thresholds")
	return next, next != current
}

// L1Threshold walks the bins upward, removing each bin's count from the
// frames remaining above the threshold, and stops at the first bin where the
// remainder falls below targetRate of all entries. An empty histogram
// yields 0.
func L1Threshold(h *histogram.Histogram, targetRate float64) int {
	remaining := h.Integral() + h.Overflow()
	total := remaining + h.Underflow()
	if total <= 0 {
		return 0
	}
	limit := targetRate * float64(total)
	for b := 0; b < h.Len(); b++ {
		remaining -= h.Bin(b)
		if float64(remaining) < limit {
			return b
		}
	}
	return h.Len() - 1
}

// L2For derives the pixel threshold from an L1 threshold.
func L2For(l1 int) int {
	return max(l1-1, minL2)
}
