package daq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/exposure"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	blocks []exposure.Summary
	cals   []calibrate.Result
}

func (s *memorySink) SubmitBlock(_ context.Context, sum exposure.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, sum)
	return nil
}

func (s *memorySink) SubmitCalibration(_ context.Context, r calibrate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cals = append(s.cals, r)
	return nil
}

func (s *memorySink) snapshot() ([]exposure.Summary, []calibrate.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exposure.Summary(nil), s.blocks...), append([]calibrate.Result(nil), s.cals...)
}

type reconfigSource struct {
	*frame.SimSource
	mu    sync.Mutex
	calls int
}

func (r *reconfigSource) Reconfigure(ctx context.Context) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.SimSource.Reconfigure(ctx)
}

type harness struct {
	ctl   *Controller
	sink  *memorySink
	pool  *frame.Pool
	src   *reconfigSource
	store *config.Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DAQ.StabilizationFrames = 5
	cfg.DAQ.CalibrationFrames = 40
	cfg.DAQ.CalibrationWindow = 200
	cfg.DAQ.TargetEventsPerMin = 600
	cfg.Exposure.Period = time.Hour
	cfg.Exposure.DriftCheckInterval = 0
	cfg.Exposure.FlushInterval = 10 * time.Millisecond
	cfg.Trigger.IdleSweep = 10 * time.Millisecond
	cfg.Trigger.BackgroundStep = 1
	// a single hit dominates the statistics of a 16x16 frame
	cfg.Quality.BgAvgCut = 50
	cfg.Quality.BgStdCut = 50
	if mutate != nil {
		mutate(&cfg)
	}
	store := config.NewStore(cfg)
	pool := frame.NewPool(6, 16*16)
	src := &reconfigSource{SimSource: frame.NewSimSource(frame.SimConfig{
		Camera:  "sim0",
		Width:   16,
		Height:  16,
		FPS:     500,
		Noise:   1,
		HitRate: 0.3,
		Seed:    3,
	}, pool, frame.StaticSensors{Env: frame.Environment{BatteryTemp: 300}})}
	sink := &memorySink{}

	ctl, err := New(Options{RunID: "run", Store: store, Source: src, Sink: sink}, zerolog.Nop())
	require.NoError(t, err)
	return &harness{ctl: ctl, sink: sink, pool: pool, src: src, store: store}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(Options{Store: config.NewStore(config.Default())}, zerolog.Nop())
	assert.Error(t, err)
}

func TestIllegalTransitionIsDistinct(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, fsm.Init, h.ctl.State())

	err := h.ctl.SetState(fsm.Data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fsm.ErrIllegalTransition))
	var ite *fsm.IllegalTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, fsm.Init, ite.From)
	assert.Equal(t, fsm.Data, ite.To)
	assert.Equal(t, fsm.Init, h.ctl.State())
	assert.Equal(t, 1, h.ctl.Manager().Total(), "no rotation on illegal transition")
}

func TestTransitionSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	ctl := h.ctl

	require.NoError(t, ctl.SetState(fsm.Stabilization))
	assert.Equal(t, fsm.Stabilization, ctl.Manager().Current().State())

	ctl.HotCells().Add(make([]byte, 4), 2, 2)
	require.NoError(t, ctl.SetState(fsm.Precalibration))
	assert.Zero(t, ctl.HotCells().Frames(), "hot cell state cleared")
	assert.Equal(t, fsm.Precalibration, ctl.Manager().Current().State())

	ctl.Calibrator().AddFrame(3, time.Unix(0, 0))
	require.NoError(t, ctl.SetState(fsm.Calibration))
	assert.Zero(t, ctl.Calibrator().Len(), "calibration window cleared")
	assert.Equal(t, fsm.Calibration, ctl.Manager().Current().State())

	start := time.Unix(100, 0)
	for i := 0; i < 100; i++ {
		v := 2
		if i%10 == 0 {
			v = 20
		}
		ctl.Calibrator().AddFrame(v, start.Add(time.Duration(i)*time.Second/10))
	}
	require.NoError(t, ctl.SetState(fsm.Data))
	data := ctl.Manager().Current()
	assert.Equal(t, fsm.Data, data.State())
	l1, l2 := h.store.Thresholds()
	assert.Equal(t, calibrate.Thresholds{L1: l1, L2: l2}, data.Thresholds())
	assert.Equal(t, 2, l1)
	assert.Equal(t, 2, l2)
	_, cals := h.sink.snapshot()
	require.Len(t, cals, 1)
	assert.Equal(t, int64(100), cals[0].Samples)
	assert.Equal(t, "sim0", cals[0].Camera)

	require.NoError(t, ctl.SetState(fsm.Idle))
	assert.True(t, data.Aborted(), "live DATA block aborted on idle")
	assert.Equal(t, fsm.Idle, ctl.Manager().Current().State())

	require.NoError(t, ctl.SetState(fsm.Reconfigure))
	assert.Equal(t, fsm.Idle, ctl.State(), "reconfigure returns to idle")
	assert.Equal(t, 1, h.src.calls)

	require.NoError(t, ctl.SetState(fsm.Stabilization))
	require.NoError(t, ctl.SetState(fsm.Reconfigure))
	assert.Equal(t, fsm.Stabilization, ctl.State())
	assert.Equal(t, 2, h.src.calls)

	ctl.Manager().FlushFinalized(context.Background(), time.Minute)
	blocks, _ := h.sink.snapshot()
	var states []string
	for _, b := range blocks {
		states = append(states, b.State)
	}
	assert.Equal(t, []string{"PRECALIBRATION", "CALIBRATION", "DATA"}, states)
	assert.True(t, blocks[2].Aborted)
	assert.False(t, blocks[1].Aborted)
}

func TestIdleClosesPrecalibrationCleanly(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.SetState(fsm.Stabilization))
	require.NoError(t, h.ctl.SetState(fsm.Precalibration))
	pre := h.ctl.Manager().Current()
	require.NoError(t, h.ctl.SetState(fsm.Idle))
	assert.False(t, pre.Aborted())
}

func TestIdleDropsFrames(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.ctl.SetState(fsm.Idle))
	f, err := h.src.Next(context.Background())
	require.NoError(t, err)
	h.ctl.Dispatch(f)
	assert.True(t, f.Retired())
	assert.Zero(t, h.ctl.Manager().Current().InFlight())
}

func TestRequestStateAppliedAsynchronously(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctl.handleRequests(ctx)

	h.ctl.RequestState(fsm.Data, "bogus")
	h.ctl.RequestState(fsm.Stabilization, "test")
	require.Eventually(t, func() bool { return h.ctl.State() == fsm.Stabilization }, time.Second, time.Millisecond)
}

// dispatch pulls n frames from the source and hands them to the controller.
func (h *harness) dispatch(t *testing.T, n int) []*frame.Frame {
	t.Helper()
	var out []*frame.Frame
	for i := 0; i < n; i++ {
		f, err := h.src.Next(context.Background())
		require.NoError(t, err)
		h.ctl.Dispatch(f)
		out = append(out, f)
	}
	return out
}

func TestStabilizationDrainsQueueAndRearmsCounters(t *testing.T) {
	h := newHarness(t, nil)
	ctl := h.ctl

	require.NoError(t, ctl.SetState(fsm.Stabilization))
	h.dispatch(t, 5)
	require.Len(t, ctl.requests, 1)
	assert.Equal(t, fsm.Calibration, (<-ctl.requests).next)

	require.NoError(t, ctl.SetState(fsm.Calibration))
	frames := h.dispatch(t, 39)
	assert.Empty(t, ctl.requests, "one frame short of calibration")
	require.NoError(t, ctl.SetState(fsm.Data))
	frames = append(frames, h.dispatch(t, 3)...)

	assert.Equal(t, 2, ctl.Pipeline().QueueLen())
	assert.Equal(t, int64(2), h.pool.Outstanding())

	require.NoError(t, ctl.SetState(fsm.Stabilization))
	assert.Zero(t, ctl.Pipeline().QueueLen())
	assert.Equal(t, int64(0), h.pool.Outstanding())
	for _, f := range frames {
		assert.True(t, f.Retired())
	}

	h.dispatch(t, 4)
	assert.Empty(t, ctl.requests, "stabilization count restarted")
	h.dispatch(t, 1)
	require.Len(t, ctl.requests, 1)
	assert.Equal(t, fsm.Calibration, (<-ctl.requests).next)

	require.NoError(t, ctl.SetState(fsm.Calibration))
	h.dispatch(t, 39)
	assert.Empty(t, ctl.requests, "calibration count restarted")
	h.dispatch(t, 1)
	require.Len(t, ctl.requests, 1)
	assert.Equal(t, fsm.Data, (<-ctl.requests).next)
	ctl.Pipeline().Drain()
}

func TestLostCompletionRequestIsRetried(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.DAQ.RequestBuffer = 1 })
	ctl := h.ctl

	ctl.RequestState(fsm.Data, "stale")
	require.NoError(t, ctl.SetState(fsm.Stabilization))
	h.dispatch(t, 5)
	assert.Equal(t, fsm.Stabilization, ctl.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctl.handleRequests(ctx)

	for i := 0; i < 500 && ctl.State() == fsm.Stabilization; i++ {
		h.dispatch(t, 1)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, fsm.Calibration, ctl.State())
	ctl.Pipeline().Drain()
}

func TestRunReachesDataWithoutLeaking(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctl.Run(ctx) }()

	require.Eventually(t, func() bool { return h.ctl.State() == fsm.Data }, 10*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.ctl.Manager().Current().Counters().L1Processed > 20
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, h.ctl.Shutdown(context.Background()))

	assert.Equal(t, int64(0), h.pool.Outstanding())
	blocks, cals := h.sink.snapshot()
	require.NotEmpty(t, cals)
	var sawData bool
	for _, b := range blocks {
		if b.State == "DATA" {
			sawData = true
			assert.Equal(t, b.L1Processed, b.L1Pass+b.L1Skip)
		}
		assert.NotEqual(t, "STABILIZATION", b.State)
	}
	assert.True(t, sawData)
}
