// Package daq owns the acquisition state machine and wires the frame source,
// trigger pipeline, calibrator and exposure block manager together.
package daq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/exposure"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/crayfis/xbdaq/reco"
	"github.com/crayfis/xbdaq/trigger"
	"github.com/rs/zerolog"
)

// Sink is the upload boundary.
type Sink interface {
	exposure.Sink
	SubmitCalibration(ctx context.Context, r calibrate.Result) error
}

// Observer collects controller and pipeline metrics.
type Observer interface {
	trigger.Observer
	exposure.Observer
	StateChanged(from, to fsm.State)
	ThresholdsChanged(th calibrate.Thresholds)
	FrameLost()
}

type Options struct {
	RunID    string
	Store    *config.Store
	Source   frame.Source
	Sensors  frame.Sensors
	Sink     Sink
	Observer Observer
	Clock    func() frame.AcquisitionTime
}

type stateRequest struct {
	next   fsm.State
	reason string
}

// Controller is the single owner of the DAQ state. External drivers call
// SetState; internal components ask for transitions with RequestState.
type Controller struct {
	mu       sync.Mutex
	machine  *fsm.Machine
	store    *config.Store
	src      frame.Source
	sink     Sink
	obs      Observer
	runID    string
	manager  *exposure.Manager
	pipeline *trigger.Pipeline
	cal      *calibrate.Calibrator
	hot      *calibrate.HotCells
	quality  *reco.Quality
	requests chan stateRequest
	log      zerolog.Logger
}

func New(opts Options, log zerolog.Logger) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("daq: config store is required")
	}
	if opts.Source == nil {
		return nil, errors.New("daq: frame source is required")
	}
	cfg := opts.Store.Get()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daq: %w", err)
	}

	c := &Controller{
		machine:  fsm.NewMachine(),
		store:    opts.Store,
		src:      opts.Source,
		sink:     opts.Sink,
		obs:      opts.Observer,
		runID:    opts.RunID,
		cal:      calibrate.New(cfg.DAQ.CalibrationWindow, log),
		hot:      calibrate.NewHotCells(cfg.DAQ.HotcellFraction, log),
		quality:  reco.NewQuality(cfg.Quality, log),
		requests: make(chan stateRequest, max(cfg.DAQ.RequestBuffer, 1)),
		log:      log.With().Str("component", "daq").Str("camera", opts.Source.Name()).Logger(),
	}

	var sink exposure.Sink
	if opts.Sink != nil {
		sink = opts.Sink
	}
	var xbObs exposure.Observer
	var trObs trigger.Observer
	if opts.Observer != nil {
		xbObs, trObs = opts.Observer, opts.Observer
	}
	c.manager = exposure.NewManager(exposure.Options{
		RunID:       opts.RunID,
		Camera:      opts.Source.Name(),
		Store:       opts.Store,
		Sensors:     opts.Sensors,
		Sink:        sink,
		Recalibrate: c.recalibrate,
		Observer:    xbObs,
		Clock:       opts.Clock,
	}, log)
	c.pipeline = trigger.New(trigger.Options{
		Store:      opts.Store,
		Controller: c,
		Sweeper:    c.manager,
		Calibrator: c.cal,
		HotCells:   c.hot,
		Quality:    c.quality,
		Observer:   trObs,
	}, log)
	return c, nil
}

// State returns the current DAQ state.
func (c *Controller) State() fsm.State { return c.machine.Current() }

func (c *Controller) Manager() *exposure.Manager        { return c.manager }
func (c *Controller) Pipeline() *trigger.Pipeline       { return c.pipeline }
func (c *Controller) Calibrator() *calibrate.Calibrator { return c.cal }
func (c *Controller) HotCells() *calibrate.HotCells     { return c.hot }

// RequestState queues a transition to be applied by Run. It never blocks;
// when the queue is full the request is dropped with a warning.
func (c *Controller) RequestState(next fsm.State, reason string) {
	select {
	case c.requests <- stateRequest{next: next, reason: reason}:
	default:
		c.log.Warn().Str("next", next.String()).Str("reason", reason).Msg("state request queue full, dropping request")
	}
}

// SetState performs a transition and its side effects. An illegal transition
// returns an error matching fsm.ErrIllegalTransition and changes nothing.
func (c *Controller) SetState(next fsm.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(next)
}

func (c *Controller) setStateLocked(next fsm.State) error {
	prev, err := c.machine.Transition(next)
	if err != nil {
		return err
	}
	c.pipeline.ResetCounters()

	switch next {
	case fsm.Stabilization:
		c.pipeline.Drain()
		c.quality.Reset()
		c.manager.Rotate(fsm.Stabilization)

	case fsm.Precalibration:
		c.hot.Reset()
		c.manager.Rotate(fsm.Precalibration)

	case fsm.Calibration:
		if prev == fsm.Precalibration {
			c.hot.Finish()
		}
		c.cal.Clear()
		c.manager.Rotate(fsm.Calibration)

	case fsm.Data:
		c.manager.Rotate(fsm.Data)
		c.submitCalibration()

	case fsm.Idle:
		if st := c.manager.Current().State(); st == fsm.Calibration || st == fsm.Data {
			c.manager.Current().MarkAborted()
		}
		c.manager.Rotate(fsm.Idle)

	case fsm.Reconfigure:
		c.manager.Current().MarkAborted()
		c.manager.Rotate(fsm.Reconfigure)
		c.observeState(prev, next)
		if r, ok := c.src.(frame.Reconfigurer); ok {
			if err := r.Reconfigure(context.Background()); err != nil {
				c.log.Error().Err(err).Msg("failed to reconfigure frame source")
			}
		}
		after := fsm.Stabilization
		if prev == fsm.Idle {
			after = fsm.Idle
		}
		return c.setStateLocked(after)
	}

	c.observeState(prev, next)
	return nil
}

func (c *Controller) observeState(prev, next fsm.State) {
	c.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("DAQ state changed")
	if c.obs != nil {
		c.obs.StateChanged(prev, next)
	}
}

// recalibrate commits fresh thresholds from the rolling max-pixel window.
// The manager calls it before opening each DATA block.
func (c *Controller) recalibrate() {
	l1, l2 := c.store.Thresholds()
	cfg := c.store.Get()
	th, changed := c.cal.Thresholds(cfg.DAQ.TargetEventsPerMin, calibrate.Thresholds{L1: l1, L2: l2})
	if !changed {
		return
	}
	c.store.SetThresholds(th.L1, th.L2)
	if c.obs != nil {
		c.obs.ThresholdsChanged(th)
	}
}

func (c *Controller) submitCalibration() {
	if c.sink == nil {
		return
	}
	l1, l2 := c.store.Thresholds()
	res := c.cal.Result(c.runID, c.src.Name(), time.Now(), calibrate.Thresholds{L1: l1, L2: l2})
	if err := c.sink.SubmitCalibration(context.Background(), res); err != nil {
		c.log.Error().Err(err).Msg("failed to submit calibration result")
	}
}

// handleRequests applies queued transitions until ctx is done.
func (c *Controller) handleRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-c.requests:
			c.applyRequest(r)
		}
	}
}

func (c *Controller) applyRequest(r stateRequest) {
	if r.next == c.State() {
		c.log.Debug().Str("state", r.next.String()).Str("reason", r.reason).Msg("already in requested state")
		return
	}
	err := c.SetState(r.next)
	switch {
	case err == nil:
	case errors.Is(err, fsm.ErrIllegalTransition):
		c.log.Error().Err(err).Str("reason", r.reason).Msg("illegal DAQ transition requested")
	default:
		c.log.Error().Err(err).Str("reason", r.reason).Msg("state request failed")
	}
}
