package reco

import (
	"math"

	"github.com/crayfis/xbdaq/frame"
	"gonum.org/v1/gonum/stat"
)

// Stats summarises the frame background.
type Stats struct {
	Avg float64
	Var float64
}

func (s Stats) Std() float64 { return math.Sqrt(s.Var) }

// Background samples every step-th pixel. A step below 1 samples them all.
func Background(f *frame.Frame, step int) Stats {
	pix := f.Pixels()
	if len(pix) == 0 {
		return Stats{}
	}
	if step < 1 {
		step = 1
	}
	xs := make([]float64, 0, len(pix)/step+1)
	for i := 0; i < len(pix); i += step {
		xs = append(xs, float64(pix[i]))
	}
	avg, v := stat.PopMeanVariance(xs, nil)
	return Stats{Avg: avg, Var: v}
}
