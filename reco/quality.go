package reco

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/corona10/goimagehash"
	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/frame"
	"github.com/rs/zerolog"
)

const (
	ModeBackground  = "background"
	ModeOrientation = "orientation"
)

// Quality applies the frame selection cuts. It keeps state for the stuck
// sensor guard and is meant to be used by a single worker.
type Quality struct {
	mu       sync.Mutex
	cfg      config.QualityConfig
	lastHash *goimagehash.ImageHash
	repeats  int
	log      zerolog.Logger
}

func NewQuality(cfg config.QualityConfig, log zerolog.Logger) *Quality {
	return &Quality{cfg: cfg, log: log.With().Str("component", "quality").Logger()}
}

// SetConfig replaces the cuts. The stuck sensor history is kept.
func (q *Quality) SetConfig(cfg config.QualityConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
}

// Reset forgets the stuck sensor history.
func (q *Quality) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastHash, q.repeats = nil, 0
}

// Check returns nil for a good frame, or the reason it was rejected.
func (q *Quality) Check(f *frame.Frame, bg Stats) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if bg.Avg >= q.cfg.BgAvgCut {
		return fmt.Errorf("background average %.2f above cut %.2f", bg.Avg, q.cfg.BgAvgCut)
	}
	if std := bg.Std(); std >= q.cfg.BgStdCut {
		return fmt.Errorf("background std %.2f above cut %.2f", std, q.cfg.BgStdCut)
	}
	if q.cfg.Mode == ModeOrientation {
		minCos := math.Cos(q.cfg.OrientCutDeg * math.Pi / 180)
		if math.Abs(f.Env.RotationZZ) < minCos {
			return fmt.Errorf("orientation %.3f outside %.1f degree cut", f.Env.RotationZZ, q.cfg.OrientCutDeg)
		}
	}
	if q.cfg.StuckFrames > 0 {
		return q.checkStuck(f)
	}
	return nil
}

func (q *Quality) checkStuck(f *frame.Frame) error {
	pix := f.Pixels()
	if len(pix) < f.Width*f.Height || f.Width == 0 {
		return nil
	}
	img := &image.Gray{
		Pix:    pix[:f.Width*f.Height],
		Stride: f.Width,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		q.log.Warn().Err(err).Msg("hashing frame failed")
		return nil
	}
	prev := q.lastHash
	q.lastHash = hash
	if prev == nil {
		q.repeats = 0
		return nil
	}
	d, err := hash.Distance(prev)
	if err != nil {
		q.repeats = 0
		return nil
	}
	if d > q.cfg.StuckHashDistance {
		q.repeats = 0
		return nil
	}
	q.repeats++
	if q.repeats >= q.cfg.StuckFrames {
		return fmt.Errorf("sensor stuck for %d frames (hash distance %d)", q.repeats, d)
	}
	return nil
}
