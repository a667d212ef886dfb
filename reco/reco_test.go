package reco

import (
	"testing"

	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/frame"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFrame(t *testing.T, w, h int, pix []byte) *frame.Frame {
	t.Helper()
	pool := frame.NewPool(1, w*h)
	buf, ok := pool.Get()
	require.True(t, ok)
	copy(buf.Data, pix)
	f := frame.New(buf, w, h)
	frame.ComputeStats(f)
	return f
}

type cellMask map[[2]int]bool

func (m cellMask) Masked(x, y int) bool { return m[[2]int{x, y}] }

func TestBackground(t *testing.T) {
	f := newFrame(t, 2, 2, []byte{1, 1, 3, 3})
	bg := Background(f, 1)
	assert.InDelta(t, 2, bg.Avg, 1e-9)
	assert.InDelta(t, 1, bg.Var, 1e-9)
	assert.InDelta(t, 1, bg.Std(), 1e-9)

	sparse := Background(f, 2)
	assert.InDelta(t, 2, sparse.Avg, 1e-9)

	f.Retire()
	assert.Equal(t, Stats{}, Background(f, 1))
}

func TestBuildPixels(t *testing.T) {
	pix := []byte{
		0, 0, 0, 0,
		0, 9, 4, 0,
		0, 0, 0, 0,
		0, 0, 0, 8,
	}
	f := newFrame(t, 4, 4, pix)

	got, frac := BuildPixels(f, 3, 0, nil)
	require.Len(t, got, 3)
	assert.InDelta(t, 3.0/16, frac, 1e-9)
	assert.Equal(t, Pixel{X: 1, Y: 1, Val: 9, Avg3: 13.0 / 9, Avg5: 21.0 / 16, NearMax: 4}, got[0])
	assert.Equal(t, 2, got[1].X)
	assert.Equal(t, 9, got[1].NearMax)
	assert.Equal(t, 8, got[2].Val)
	assert.InDelta(t, 2.0, got[2].Avg3, 1e-9)

	capped, frac := BuildPixels(f, 3, 1, nil)
	assert.Len(t, capped, 1)
	assert.InDelta(t, 3.0/16, frac, 1e-9)

	masked, frac := BuildPixels(f, 3, 0, cellMask{{1, 1}: true})
	assert.Len(t, masked, 2)
	assert.InDelta(t, 2.0/16, frac, 1e-9)
}

func TestBuildEvent(t *testing.T) {
	f := newFrame(t, 2, 2, []byte{0, 0, 0, 7})
	f.Camera = "back"
	f.Env.BatteryTemp = 310
	ev := Build(f, Stats{Avg: 1, Var: 2}, true, nil, 0.25)
	assert.Equal(t, "back", ev.Camera)
	assert.Equal(t, 7, ev.MaxPixel)
	assert.Equal(t, 310, ev.BatteryTemp)
	assert.Equal(t, f.Acquired.Nano, ev.Nano)
	assert.True(t, ev.Quality)
}

func qualityConfig() config.QualityConfig {
	return config.QualityConfig{
		Mode:         ModeBackground,
		BgAvgCut:     5,
		BgStdCut:     5,
		OrientCutDeg: 10,
		PixFracCut:   0.1,
	}
}

func TestQualityBackgroundCuts(t *testing.T) {
	q := NewQuality(qualityConfig(), zerolog.Nop())
	f := newFrame(t, 2, 2, []byte{1, 1, 1, 1})

	assert.NoError(t, q.Check(f, Stats{Avg: 1, Var: 1}))
	assert.Error(t, q.Check(f, Stats{Avg: 6, Var: 1}))
	assert.Error(t, q.Check(f, Stats{Avg: 1, Var: 36}))
}

func TestQualityOrientation(t *testing.T) {
	cfg := qualityConfig()
	cfg.Mode = ModeOrientation
	q := NewQuality(cfg, zerolog.Nop())
	f := newFrame(t, 2, 2, []byte{1, 1, 1, 1})

	f.Env.RotationZZ = -0.999
	assert.NoError(t, q.Check(f, Stats{Avg: 1}))
	f.Env.RotationZZ = 0.5
	assert.Error(t, q.Check(f, Stats{Avg: 1}))
}

func TestQualityStuckSensor(t *testing.T) {
	cfg := qualityConfig()
	cfg.StuckFrames = 3
	q := NewQuality(cfg, zerolog.Nop())

	pix := make([]byte, 16*16)
	for i := range pix {
		pix[i] = byte(i % 3)
	}
	f := newFrame(t, 16, 16, pix)
	bg := Stats{Avg: 1, Var: 0.5}

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Check(f, bg), "repeat %d", i)
	}
	assert.Error(t, q.Check(f, bg))

	q.Reset()
	assert.NoError(t, q.Check(f, bg))
}
