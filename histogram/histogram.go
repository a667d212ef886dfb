// Package histogram provides fixed-bin frequency counters and bounded
// per-frame sample windows used for calibration and frame-rate estimation.
package histogram

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ErrBinMismatch is returned by Merge when two histograms have different binning.
var ErrBinMismatch = errors.New("histogram: bin count mismatch")

// Histogram counts integer values into bins [0, Len()). Values outside that
// range are accumulated in underflow/overflow and excluded from the bin
// statistics. A Histogram is not safe for concurrent use; the component that
// owns it must serialize access.
type Histogram struct {
	values []int64
	errors []float64

	underflow    int64
	overflow     int64
	underflowErr float64
	overflowErr  float64

	integral int64
	entries  int64

	meanValid bool
	varValid  bool
	mean      float64
	variance  float64
}

// New creates a histogram with nbins bins. It panics if nbins < 1.
func New(nbins int) *Histogram {
	if nbins < 1 {
		panic(fmt.Sprintf("histogram: invalid bin count %d", nbins))
	}
	return &Histogram{values: make([]int64, nbins)}
}

// NewWithErrors creates a histogram that also tracks per-bin statistical
// errors, summed in quadrature.
func NewWithErrors(nbins int) *Histogram {
	h := New(nbins)
	h.errors = make([]float64, nbins)
	return h
}

// Len returns the number of regular bins.
func (h *Histogram) Len() int { return len(h.values) }

// Fill adds one entry for x.
func (h *Histogram) Fill(x int) { h.FillWeight(x, 1) }

// Remove takes one entry for x back out. It is used to age out samples that
// leave a rolling window.
func (h *Histogram) Remove(x int) { h.FillWeight(x, -1) }

// FillWeight adds weight w at x.
func (h *Histogram) FillWeight(x int, w int64) {
	switch {
	case w > 0:
		h.entries++
	case w < 0:
		h.entries--
	}

	switch {
	case x < 0:
		h.underflow += w
		if h.errors != nil {
			h.underflowErr = quad(h.underflowErr, float64(w))
		}
	case x >= len(h.values):
		h.overflow += w
		if h.errors != nil {
			h.overflowErr = quad(h.overflowErr, float64(w))
		}
	default:
		h.values[x] += w
		h.integral += w
		h.invalidate()
		if h.errors != nil {
			h.errors[x] = quad(h.errors[x], float64(w))
		}
	}
}

// FillCounts adds a precomputed per-bin count array, such as the raw pixel
// histogram delivered with a frame. Index i is filled with weight counts[i].
func (h *Histogram) FillCounts(counts []int64) {
	for i, c := range counts {
		if c > 0 {
			h.FillWeight(i, c)
		}
	}
}

// Merge adds the contents of o into h.
func (h *Histogram) Merge(o *Histogram) error {
	if o == nil {
		return nil
	}
	if len(o.values) != len(h.values) {
		return fmt.Errorf("%w: %d != %d", ErrBinMismatch, len(h.values), len(o.values))
	}

	h.entries += o.entries
	h.integral += o.integral
	h.underflow += o.underflow
	h.overflow += o.overflow
	for i, v := range o.values {
		h.values[i] += v
	}

	if h.errors != nil {
		h.underflowErr = quad(h.underflowErr, o.underflowErr)
		h.overflowErr = quad(h.overflowErr, o.overflowErr)
		if o.errors != nil {
			for i, e := range o.errors {
				h.errors[i] = quad(h.errors[i], e)
			}
		}
	}
	h.invalidate()
	return nil
}

// Clear resets every bin and counter.
func (h *Histogram) Clear() {
	for i := range h.values {
		h.values[i] = 0
	}
	for i := range h.errors {
		h.errors[i] = 0
	}
	h.underflow, h.overflow = 0, 0
	h.underflowErr, h.overflowErr = 0, 0
	h.integral, h.entries = 0, 0
	h.invalidate()
}

// Clone returns a deep copy.
func (h *Histogram) Clone() *Histogram {
	c := *h
	c.values = append([]int64(nil), h.values...)
	if h.errors != nil {
		c.errors = append([]float64(nil), h.errors...)
	}
	return &c
}

// Mean returns the mean bin value weighted by bin contents. The result is
// cached until the next mutation.
func (h *Histogram) Mean() float64 {
	if !h.meanValid {
		h.mean, h.variance = h.moments()
		h.meanValid, h.varValid = true, true
	}
	return h.mean
}

// Variance returns the population variance of the binned values.
func (h *Histogram) Variance() float64 {
	if !h.varValid {
		h.mean, h.variance = h.moments()
		h.meanValid, h.varValid = true, true
	}
	return h.variance
}

func (h *Histogram) moments() (float64, float64) {
	if h.integral <= 0 {
		return 0, 0
	}
	x := make([]float64, 0, len(h.values))
	w := make([]float64, 0, len(h.values))
	for i, v := range h.values {
		if v <= 0 {
			continue
		}
		x = append(x, float64(i))
		w = append(w, float64(v))
	}
	if len(x) == 0 {
		return 0, 0
	}
	return stat.PopMeanVariance(x, w)
}

// Integral returns the sum of all regular bins.
func (h *Histogram) Integral() int64 { return h.integral }

// IntegralRange sums bins in the closed range [a, b], clamped to the regular bins.
func (h *Histogram) IntegralRange(a, b int) int64 {
	if a < 0 {
		a = 0
	}
	if b >= len(h.values) {
		b = len(h.values) - 1
	}
	var sum int64
	for i := a; i <= b; i++ {
		if h.values[i] > 0 {
			sum += h.values[i]
		}
	}
	return sum
}

// Entries returns the raw number of fills minus removals, including
// underflow and overflow.
func (h *Histogram) Entries() int64 { return h.entries }

func (h *Histogram) Underflow() int64 { return h.underflow }
func (h *Histogram) Overflow() int64  { return h.overflow }

// UnderflowError returns 0 unless errors are tracked.
func (h *Histogram) UnderflowError() float64 { return h.underflowErr }

// OverflowError returns 0 unless errors are tracked.
func (h *Histogram) OverflowError() float64 { return h.overflowErr }

// Bin returns the content of bin i, or 0 outside the range.
func (h *Histogram) Bin(i int) int64 {
	if i < 0 || i >= len(h.values) {
		return 0
	}
	return h.values[i]
}

// BinError returns the error on bin i, or 0 if errors are not tracked.
func (h *Histogram) BinError(i int) float64 {
	if h.errors == nil || i < 0 || i >= len(h.values) {
		return 0
	}
	return h.errors[i]
}

// Values returns a copy of the regular bin contents.
func (h *Histogram) Values() []int64 {
	return append([]int64(nil), h.values...)
}

// String prints up to ten non-empty bins with their cumulative efficiency.
func (h *Histogram) String() string {
	var sb strings.Builder
	total := float64(h.integral)
	printed := 0
	for i, v := range h.values {
		if v == 0 {
			continue
		}
		if printed == 10 {
			break
		}
		eff := 0.0
		if total > 0 {
			eff = float64(h.IntegralRange(i, len(h.values)-1)) / total
		}
		fmt.Fprintf(&sb, "[ bin %d = %d eff = %.3f ]\n", i, v, eff)
		printed++
	}
	return sb.String()
}

func (h *Histogram) invalidate() {
	h.meanValid = false
	h.varValid = false
}

func quad(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}
