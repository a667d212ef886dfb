package exposure

import (
	"context"
	"sync"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/rs/zerolog"
)

// Sink receives finalized blocks.
type Sink interface {
	SubmitBlock(ctx context.Context, s Summary) error
}

// Observer is notified of block lifecycle events.
type Observer interface {
	BlockStarted(state fsm.State)
	BlockFlushed(state fsm.State, stale bool)
}

type Options struct {
	RunID   string
	Camera  string
	Store   *config.Store
	Sensors frame.Sensors
	Sink    Sink
	// Recalibrate runs before every new DATA block unless the trigger is
	// locked, so thresholds follow the rolling max-pixel window.
	Recalibrate func()
	Observer    Observer
	Clock       func() frame.AcquisitionTime
}

// Manager owns the current block, rotates it and flushes retired blocks once
// they are finalized.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	current *Block
	retired []*Block
	total   int
	stop    context.CancelFunc
	log     zerolog.Logger
}

// NewManager starts with an INIT block, which is never uploaded.
func NewManager(opts Options, log zerolog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = frame.Now
	}
	if opts.Store == nil {
		opts.Store = config.NewStore(config.Default())
	}
	m := &Manager{opts: opts, log: log.With().Str("component", "xb_manager").Logger()}
	m.mu.Lock()
	m.newBlockLocked(fsm.Init)
	m.mu.Unlock()
	return m
}

// Current returns the block new frames are assigned to.
func (m *Manager) Current() *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Total returns the number of blocks created.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Pending returns the number of retired blocks waiting to be flushed.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retired)
}

// Rotate freezes and retires the current block and installs a new one for
// state.
func (m *Manager) Rotate(state fsm.State) *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newBlockLocked(state)
}

// Abort marks the current block as aborted and replaces it with a fresh
// block in the same state. Frames already in flight complete against the
// aborted block.
func (m *Manager) Abort() *Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.MarkAborted()
	return m.newBlockLocked(m.current.State())
}

func (m *Manager) newBlockLocked(state fsm.State) *Block {
	now := m.opts.Clock()
	if m.current != nil && m.current.Freeze(now) {
		m.retireLocked(m.current, now)
	}
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}

	cfg := m.opts.Store.Get()
	if state == fsm.Data && !cfg.Trigger.TriggerLock && m.opts.Recalibrate != nil {
		m.opts.Recalibrate()
		cfg = m.opts.Store.Get()
	}

	var env frame.Environment
	if m.opts.Sensors != nil {
		env = m.opts.Sensors.Environment()
	}
	b := NewBlock(Params{
		Seq:         m.total,
		RunID:       m.opts.RunID,
		Camera:      m.opts.Camera,
		State:       state,
		Start:       now,
		Location:    env.Location,
		BatteryTemp: env.BatteryTemp,
		Thresholds:  thresholds(cfg),
		L1Config:    cfg.Trigger.L1Config,
		L2Config:    cfg.Trigger.L2Config,
	}, m.log)
	m.current = b
	m.total++

	if state == fsm.Data {
		ctx, cancel := context.WithCancel(context.Background())
		m.stop = cancel
		go m.watch(ctx, b, cfg)
	}
	if m.opts.Observer != nil {
		m.opts.Observer.BlockStarted(state)
	}

	m.log.Info().
		Int("xbn", b.Seq()).
		Str("state", state.String()).
		Int("l1", b.Thresholds().L1).
		Int("l2", b.Thresholds().L2).
		Int("retired", len(m.retired)).
		Msg("new exposure block")
	return b
}

// retireLocked queues a frozen block for upload. Blocks from states that
// carry no data are dropped.
func (m *Manager) retireLocked(b *Block, now frame.AcquisitionTime) {
	if !b.State().HasData() {
		m.log.Debug().Int("xbn", b.Seq()).Str("state", b.State().String()).Msg("discarding deadtime block")
		return
	}
	b.setRetired(now.Nano)
	m.retired = append(m.retired, b)
}

// watch ends a DATA block after the exposure period, or earlier when its
// pass rate drifts above the target.
func (m *Manager) watch(ctx context.Context, b *Block, cfg config.Config) {
	period := time.NewTimer(cfg.Exposure.Period)
	defer period.Stop()

	var check <-chan time.Time
	if cfg.Exposure.DriftCheckInterval > 0 {
		t := time.NewTicker(cfg.Exposure.DriftCheckInterval)
		defer t.Stop()
		check = t.C
	}
	limit := cfg.Exposure.DriftFactor * cfg.DAQ.TargetEventsPerMin

	for {
		select {
		case <-ctx.Done():
			return
		case <-period.C:
			m.rotateIfCurrent(b, false)
			return
		case <-check:
			rate := b.PassRate(m.opts.Clock())
			if rate > limit {
				m.log.Warn().
					Int("xbn", b.Seq()).
					Float64("pass_rate", rate).
					Float64("limit", limit).
					Msg("threshold drift detected, aborting block")
				m.rotateIfCurrent(b, true)
				return
			}
		}
	}
}

func (m *Manager) rotateIfCurrent(b *Block, abort bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != b {
		return
	}
	if abort {
		b.MarkAborted()
	}
	m.newBlockLocked(b.State())
}

// FlushFinalized submits every retired block that is finalized, and every
// block retired longer than stale ago regardless. It returns the number of
// blocks submitted.
func (m *Manager) FlushFinalized(ctx context.Context, stale time.Duration) int {
	now := m.opts.Clock()
	type flush struct {
		b     *Block
		stale bool
	}

	m.mu.Lock()
	var out []flush
	keep := m.retired[:0]
	for _, b := range m.retired {
		switch {
		case b.IsFinalized():
			out = append(out, flush{b: b})
		case now.Nano-b.retiredNano() > int64(stale):
			m.log.Warn().
				Int("xbn", b.Seq()).
				Int("in_flight", b.InFlight()).
				Msg("stale exposure block, flushing before finalization")
			out = append(out, flush{b: b, stale: true})
		default:
			keep = append(keep, b)
		}
	}
	for i := len(keep); i < len(m.retired); i++ {
		m.retired[i] = nil
	}
	m.retired = keep
	m.mu.Unlock()

	for _, f := range out {
		s := f.b.Summary()
		s.Stale = f.stale
		if m.opts.Sink != nil {
			if err := m.opts.Sink.SubmitBlock(ctx, s); err != nil {
				m.log.Error().Err(err).Int("xbn", s.Seq).Msg("failed to submit exposure block")
			}
		}
		if m.opts.Observer != nil {
			m.opts.Observer.BlockFlushed(f.b.State(), f.stale)
		}
	}
	return len(out)
}

// Run sweeps retired blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	cfg := m.opts.Store.Get().Exposure
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.FlushFinalized(ctx, m.opts.Store.Get().Exposure.StaleTimeout)
		}
	}
}

// Close freezes the current block and flushes everything retired,
// finalized or not.
func (m *Manager) Close(ctx context.Context) int {
	m.mu.Lock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	now := m.opts.Clock()
	if m.current.Freeze(now) {
		m.retireLocked(m.current, now)
	}
	m.mu.Unlock()
	return m.FlushFinalized(ctx, -1)
}

func thresholds(cfg config.Config) calibrate.Thresholds {
	return calibrate.Thresholds{L1: cfg.Trigger.L1Threshold, L2: cfg.Trigger.L2Threshold}
}
