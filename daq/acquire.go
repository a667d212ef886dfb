package daq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
)

const (
	noBufferBackoff = 5 * time.Millisecond
	sourceBackoff   = time.Second
)

// Run arms stabilization, starts the L2 worker, the block sweeper and the
// request loop, and then acquires frames until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.SetState(fsm.Stabilization); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, fn := range []func(context.Context){c.pipeline.Run, c.manager.Run, c.handleRequests} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(fn)
	}

	err := c.Acquire(ctx)
	wg.Wait()
	return err
}

// Acquire is the producer loop: every frame is assigned to the current block
// and handed to L1. It returns nil when ctx is cancelled.
func (c *Controller) Acquire(ctx context.Context) error {
	c.log.Info().Msg("starting acquisition")
	for {
		f, err := c.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("acquisition stopped")
				return nil
			}
			backoff := sourceBackoff
			if errors.Is(err, frame.ErrNoBuffer) {
				backoff = noBufferBackoff
				if c.obs != nil {
					c.obs.FrameLost()
				}
			} else {
				c.log.Error().Err(err).Msg("failed to read frame")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		c.Dispatch(f)
	}
}

// Dispatch assigns f to the current block and submits it to L1. If the block
// is rotated between lookup and assignment the new block is tried once.
func (c *Controller) Dispatch(f *frame.Frame) {
	switch c.State() {
	case fsm.Init, fsm.Idle, fsm.Reconfigure:
		f.Retire()
		return
	}

	b := c.manager.Current()
	if !b.AssignFrame(f) {
		b = c.manager.Current()
		if !b.AssignFrame(f) {
			c.log.Warn().Int("xbn", b.Seq()).Msg("could not assign frame to a block, dropping")
			f.Retire()
			return
		}
	}
	c.pipeline.Submit(f, b)
}

// Shutdown drops queued frames, flushes every retired block and closes the
// source.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	dropped := c.pipeline.Drain()
	c.mu.Unlock()

	flushed := c.manager.Close(ctx)
	c.log.Info().Int("dropped", dropped).Int("flushed", flushed).Msg("DAQ shut down")
	return c.src.Close()
}
