package calibrate

import (
	"sync"

	"github.com/crayfis/xbdaq/histogram"
	"github.com/rs/zerolog"
)

// HotCells finds pixels that read high in frame after frame. It keeps the
// largest and second largest value seen at each pixel; a single cosmic hit
// only raises the first, so the second maximum isolates persistently hot
// cells.
type HotCells struct {
	mu       sync.RWMutex
	fraction float64
	width    int
	height   int
	first    []uint8
	second   []uint8
	frames   int
	mask     map[int]struct{}
	log      zerolog.Logger
}

// NewHotCells masks at most roughly fraction of all pixels.
func NewHotCells(fraction float64, log zerolog.Logger) *HotCells {
	return &HotCells{
		fraction: fraction,
		mask:     map[int]struct{}{},
		log:      log.With().Str("component", "hotcells").Logger(),
	}
}

// Reset forgets accumulated values and the current mask.
func (hc *HotCells) Reset() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.first, hc.second = nil, nil
	hc.width, hc.height, hc.frames = 0, 0, 0
	hc.mask = map[int]struct{}{}
}

// Add accumulates one frame. A change of frame geometry restarts the
// accumulation.
func (hc *HotCells) Add(pix []byte, width, height int) {
	if len(pix) < width*height {
		return
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if width != hc.width || height != hc.height {
		hc.width, hc.height, hc.frames = width, height, 0
		hc.first = make([]uint8, width*height)
		hc.second = make([]uint8, width*height)
	}
	for i := 0; i < width*height; i++ {
		v := pix[i]
		switch {
		case v > hc.first[i]:
			hc.second[i] = hc.first[i]
			hc.first[i] = v
		case v > hc.second[i]:
			hc.second[i] = v
		}
	}
	hc.frames++
}

// Frames returns the number of frames accumulated.
func (hc *HotCells) Frames() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.frames
}

// Finish builds the mask from the accumulated second maxima and returns the
// number of masked cells.
func (hc *HotCells) Finish() int {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.mask = map[int]struct{}{}
	if hc.frames < 2 {
		hc.log.Warn().Int("frames", hc.frames).Msg("not enough frames for hot cell search")
		return 0
	}

	h := histogram.New(MaxPixelBins)
	for _, v := range hc.second {
		h.Fill(int(v))
	}
	cut := L1Threshold(h, hc.fraction)
	for i, v := range hc.second {
		if int(v) > cut {
			hc.mask[i] = struct{}{}
		}
	}
	hc.log.Info().
		Int("frames", hc.frames).
		Int("cut", cut).
		Int("masked", len(hc.mask)).
		Msg("hot cell mask built")
	return len(hc.mask)
}

// Masked reports whether (x, y) is a known hot cell.
func (hc *HotCells) Masked(x, y int) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if len(hc.mask) == 0 || x < 0 || y < 0 || x >= hc.width || y >= hc.height {
		return false
	}
	_, ok := hc.mask[y*hc.width+x]
	return ok
}

// Len returns the number of masked cells.
func (hc *HotCells) Len() int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.mask)
}
