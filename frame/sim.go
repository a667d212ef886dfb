package frame

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

type SimConfig struct {
	Camera   string
	Width    int
	Height   int
	FPS      float64
	Noise    float64 // sigma of the dark-current noise, in ADC counts
	HitRate  float64 // probability of a particle hit per frame
	HotCells int
	Seed     int64
}

// SimSource produces synthetic dark frames with sporadic particle hits and
// optional hot cells. It stands in for a camera backend.
type SimSource struct {
	cfg     SimConfig
	pool    *Pool
	sensors Sensors

	mu   sync.Mutex
	rng  *rand.Rand
	hot  []int
	next time.Time
	seq  int64
}

func NewSimSource(cfg SimConfig, pool *Pool, sensors Sensors) *SimSource {
	s := &SimSource{cfg: cfg, pool: pool, sensors: sensors}
	s.reset()
	return s
}

func (s *SimSource) reset() {
	s.rng = rand.New(rand.NewSource(s.cfg.Seed))
	s.hot = s.hot[:0]
	for i := 0; i < s.cfg.HotCells; i++ {
		s.hot = append(s.hot, s.rng.Intn(s.cfg.Width*s.cfg.Height))
	}
	s.next = time.Time{}
}

func (s *SimSource) Name() string { return s.cfg.Camera }

// Next paces frames at the configured rate and fills one pool buffer.
func (s *SimSource) Next(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.FPS > 0 {
		now := time.Now()
		if s.next.IsZero() {
			s.next = now
		}
		if wait := s.next.Sub(now); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		s.next = s.next.Add(time.Duration(float64(time.Second) / s.cfg.FPS))
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, ok := s.pool.Get()
	if !ok {
		return nil, ErrNoBuffer
	}
	f := New(buf, s.cfg.Width, s.cfg.Height)
	f.Camera = s.cfg.Camera
	f.Acquired = Now()
	if s.sensors != nil {
		f.Env = s.sensors.Environment()
	}
	s.paint(buf.Data)
	s.seq++
	ComputeStats(f)
	return f, nil
}

func (s *SimSource) paint(pix []byte) {
	for i := range pix {
		v := math.Abs(s.rng.NormFloat64() * s.cfg.Noise)
		pix[i] = clamp(int(v + 0.5))
	}
	for _, idx := range s.hot {
		if s.rng.Float64() < 0.3 {
			pix[idx] = clamp(40 + s.rng.Intn(60))
		}
	}
	if s.rng.Float64() < s.cfg.HitRate {
		s.hit(pix)
	}
}

// hit deposits a small cluster with a bright core.
func (s *SimSource) hit(pix []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	cx, cy := s.rng.Intn(w), s.rng.Intn(h)
	peak := 20 + s.rng.Intn(236)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			x, y := cx+dx, cy+dy
			if x < 0 || y < 0 || x >= w || y >= h {
				continue
			}
			v := peak
			if dx != 0 || dy != 0 {
				v = peak / 4
			}
			if v > int(pix[y*w+x]) {
				pix[y*w+x] = clamp(v)
			}
		}
	}
}

// Reconfigure restarts the synthetic sensor from its seed.
func (s *SimSource) Reconfigure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return ctx.Err()
}

func (s *SimSource) Close() error { return nil }

func clamp(v int) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return byte(v)
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
