// Package trigger runs the two stage trigger: a cheap per-frame L1 test at
// capture time and a single L2 worker doing pixel reconstruction.
package trigger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/exposure"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/crayfis/xbdaq/reco"
	"github.com/rs/zerolog"
)

// Controller is the state owner seen by the pipeline.
type Controller interface {
	State() fsm.State
	RequestState(next fsm.State, reason string)
}

// Sweeper is run by the worker while it waits for frames.
type Sweeper interface {
	FlushFinalized(ctx context.Context, stale time.Duration) int
}

// Observer receives pipeline counters.
type Observer interface {
	FrameSubmitted()
	L1Passed()
	QueueDropped()
	QualityRejected()
	Reconstructed(d time.Duration)
	EventCommitted()
}

type job struct {
	f *frame.Frame
	b *exposure.Block
}

type Options struct {
	Store      *config.Store
	Controller Controller
	Sweeper    Sweeper
	Calibrator *calibrate.Calibrator
	HotCells   *calibrate.HotCells
	Quality    *reco.Quality
	Observer   Observer
}

type Pipeline struct {
	opts  Options
	mask  reco.Mask
	queue chan job

	stabFrames   atomic.Int64
	precalFrames atomic.Int64
	calFrames    atomic.Int64

	log zerolog.Logger
}

func New(opts Options, log zerolog.Logger) *Pipeline {
	cfg := opts.Store.Get()
	p := &Pipeline{
		opts:  opts,
		queue: make(chan job, cfg.Trigger.QueueCapacity),
		log:   log.With().Str("component", "trigger").Logger(),
	}
	if opts.HotCells != nil {
		p.mask = opts.HotCells
	}
	if p.opts.Quality == nil {
		p.opts.Quality = reco.NewQuality(cfg.Quality, log)
	}
	return p
}

// QueueLen returns the number of frames waiting for L2.
func (p *Pipeline) QueueLen() int { return len(p.queue) }

// ResetCounters re-arms the stabilization and calibration frame counts.
func (p *Pipeline) ResetCounters() {
	p.stabFrames.Store(0)
	p.precalFrames.Store(0)
	p.calFrames.Store(0)
}

// Submit runs L1 on a frame already assigned to b. It never blocks: the
// frame is either queued for L2 or retired before Submit returns.
func (p *Pipeline) Submit(f *frame.Frame, b *exposure.Block) {
	p.observe(func(o Observer) { o.FrameSubmitted() })
	cfg := p.opts.Store.Get()

	switch b.State() {
	case fsm.Stabilization:
		b.RecordL1(false)
		next := fsm.Calibration
		if cfg.DAQ.PrecalibrationFrames > 0 {
			next = fsm.Precalibration
		}
		p.complete(fsm.Stabilization, &p.stabFrames, cfg.DAQ.StabilizationFrames, next, "stabilization complete")
		f.Retire()

	case fsm.Precalibration:
		p.addCalibration(f)
		b.RecordL1(true)
		p.offer(job{f: f, b: b})
		p.complete(fsm.Precalibration, &p.precalFrames, cfg.DAQ.PrecalibrationFrames, fsm.Calibration, "precalibration complete")

	case fsm.Calibration:
		p.addCalibration(f)
		p.l1(f, b)
		p.complete(fsm.Calibration, &p.calFrames, cfg.DAQ.CalibrationFrames, fsm.Data, "calibration complete")

	case fsm.Data:
		p.addCalibration(f)
		b.AddPixelCounts(f.Hist)
		p.l1(f, b)

	default:
		b.RecordL1(false)
		p.log.Warn().Str("xb_state", b.State().String()).Msg("frame submitted outside acquisition, dropping")
		f.Retire()
	}
}

// complete counts a frame toward phase and, once want frames have been seen,
// asks for next. The request is repeated on every later frame until the
// controller leaves phase, so a request lost on a full queue is retried.
func (p *Pipeline) complete(phase fsm.State, n *atomic.Int64, want int, next fsm.State, reason string) {
	if n.Add(1) < int64(max(want, 1)) {
		return
	}
	if p.opts.Controller.State() != phase {
		return
	}
	p.opts.Controller.RequestState(next, reason)
}

func (p *Pipeline) addCalibration(f *frame.Frame) {
	if p.opts.Calibrator != nil {
		p.opts.Calibrator.AddFrame(f.Stats.Max, f.Acquired.Wall)
	}
}

// l1 compares against the block's own threshold, not the live one, so frames
// are judged by the thresholds their block was opened with.
func (p *Pipeline) l1(f *frame.Frame, b *exposure.Block) {
	pass := f.Stats.Max > b.Thresholds().L1
	b.RecordL1(pass)
	if !pass {
		f.Retire()
		return
	}
	p.observe(func(o Observer) { o.L1Passed() })
	p.offer(job{f: f, b: b})
}

func (p *Pipeline) offer(j job) {
	select {
	case p.queue <- j:
	default:
		j.b.RecordL2Skip()
		p.observe(func(o Observer) { o.QueueDropped() })
		j.f.Retire()
	}
}

// Drain retires every queued frame and returns how many were dropped.
func (p *Pipeline) Drain() int {
	n := 0
	for {
		select {
		case j := <-p.queue:
			j.f.Retire()
			n++
		default:
			if n > 0 {
				p.log.Info().Int("frames", n).Msg("drained L2 queue")
			}
			return n
		}
	}
}

// Run is the single L2 worker. While idle it sweeps finalized blocks.
func (p *Pipeline) Run(ctx context.Context) {
	idle := p.opts.Store.Get().Trigger.IdleSweep
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}
	t := time.NewTimer(idle)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.queue:
			p.Process(j.f, j.b)
		case <-t.C:
			if p.opts.Sweeper != nil {
				p.opts.Sweeper.FlushFinalized(ctx, p.opts.Store.Get().Exposure.StaleTimeout)
			}
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(idle)
	}
}

// Process reconstructs one frame and retires it. A panic during
// reconstruction costs only this frame.
func (p *Pipeline) Process(f *frame.Frame, b *exposure.Block) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Int("xbn", b.Seq()).Msg("reconstruction failed, dropping frame")
		}
		f.Retire()
		p.observe(func(o Observer) { o.Reconstructed(time.Since(start)) })
	}()

	cfg := p.opts.Store.Get()
	bg := reco.Background(f, cfg.Trigger.BackgroundStep)
	p.opts.Quality.SetConfig(cfg.Quality)
	if err := p.opts.Quality.Check(f, bg); err != nil {
		p.reject(cfg, b, err)
		return
	}

	var ev *reco.Event
	if p.opts.Controller.State() == fsm.Data {
		pixels, frac := reco.BuildPixels(f, b.Thresholds().L2, cfg.Trigger.MaxPixels, p.mask)
		if frac > cfg.Quality.PixFracCut {
			p.reject(cfg, b, fmt.Errorf("flagged pixel fraction %.4f above cut %.4f", frac, cfg.Quality.PixFracCut))
			return
		}
		b.RecordL2(len(pixels) > 0)
		ev = reco.Build(f, bg, true, pixels, frac)
	} else {
		if b.State() == fsm.Precalibration && p.opts.HotCells != nil {
			p.opts.HotCells.Add(f.Pixels(), f.Width, f.Height)
		}
		b.RecordL2(false)
		ev = reco.Build(f, bg, true, nil, 0)
	}
	if b.AddEvent(ev) {
		p.observe(func(o Observer) { o.EventCommitted() })
	}
}

// reject drops a bad frame and, unless thresholds are locked, sends the
// DAQ back to stabilization.
func (p *Pipeline) reject(cfg config.Config, b *exposure.Block, reason error) {
	p.observe(func(o Observer) { o.QualityRejected() })
	p.log.Warn().Err(reason).Int("xbn", b.Seq()).Msg("frame failed quality cuts")
	if cfg.Trigger.TriggerLock {
		return
	}
	if p.opts.Controller.State().HasData() {
		p.opts.Controller.RequestState(fsm.Stabilization, reason.Error())
	}
}

func (p *Pipeline) observe(fn func(Observer)) {
	if p.opts.Observer != nil {
		fn(p.opts.Observer)
	}
}
