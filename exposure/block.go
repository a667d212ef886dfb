// Package exposure aggregates trigger statistics and events into exposure
// blocks and hands finalized blocks to the upload boundary.
package exposure

import (
	"sync"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/crayfis/xbdaq/histogram"
	"github.com/crayfis/xbdaq/reco"
	"github.com/rs/zerolog"
)

// Counters are the per-block trigger statistics.
type Counters struct {
	L1Processed int64 `json:"l1_processed"`
	L1Pass      int64 `json:"l1_pass"`
	L1Skip      int64 `json:"l1_skip"`
	L2Processed int64 `json:"l2_processed"`
	L2Pass      int64 `json:"l2_pass"`
	L2Skip      int64 `json:"l2_skip"`
}

// Params describes a block at creation.
type Params struct {
	Seq         int
	RunID       string
	Camera      string
	State       fsm.State
	Start       frame.AcquisitionTime
	Location    frame.Location
	BatteryTemp int
	Thresholds  calibrate.Thresholds
	L1Config    string
	L2Config    string
}

// Block is one aggregation window. It tracks every frame assigned to it
// until the frame is retired, so it can tell when no more events can
// arrive.
type Block struct {
	mu sync.Mutex
	p  Params

	end        frame.AcquisitionTime
	frozen     bool
	aborted    bool
	batteryEnd int
	retiredAt  int64

	counters    Counters
	inflight    map[*frame.Frame]struct{}
	events      []*reco.Event
	pixels      *histogram.Histogram
	totalPixels int64

	log zerolog.Logger
}

func NewBlock(p Params, log zerolog.Logger) *Block {
	return &Block{
		p:          p,
		batteryEnd: p.BatteryTemp,
		inflight:   map[*frame.Frame]struct{}{},
		pixels:     histogram.New(calibrate.MaxPixelBins),
		log:        log.With().Int("xbn", p.Seq).Str("xb_state", p.State.String()).Logger(),
	}
}

func (b *Block) Seq() int                         { return b.p.Seq }
func (b *Block) State() fsm.State                 { return b.p.State }
func (b *Block) Start() frame.AcquisitionTime     { return b.p.Start }
func (b *Block) Thresholds() calibrate.Thresholds { return b.p.Thresholds }

// AssignFrame adds f to the in-flight set and counts it as processed at L1.
// Frames acquired after the block was frozen are rejected; frames acquired
// earlier are accepted even when delivered late.
func (b *Block) AssignFrame(f *frame.Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frozen && f.Acquired.Nano > b.end.Nano {
		b.log.Debug().Int64("frame_nano", f.Acquired.Nano).Msg("frame acquired after freeze, rejecting")
		return false
	}
	if _, ok := b.inflight[f]; ok {
		b.log.Warn().Int64("frame_nano", f.Acquired.Nano).Msg("frame already assigned")
		return false
	}
	if !f.SetOwner(b) {
		b.log.Warn().Int64("frame_nano", f.Acquired.Nano).Msg("frame owned by another block or retired")
		return false
	}
	b.inflight[f] = struct{}{}
	b.counters.L1Processed++
	b.batteryEnd = f.Env.BatteryTemp
	return true
}

// Freeze stamps the end time and stops accepting frames acquired later. It
// reports false if the block was already frozen.
func (b *Block) Freeze(at frame.AcquisitionTime) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		return false
	}
	b.frozen = true
	b.end = at
	return true
}

// ClearFrame removes a retired frame from the in-flight set.
func (b *Block) ClearFrame(f *frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[f]; !ok {
		b.log.Warn().Int64("frame_nano", f.Acquired.Nano).Msg("clearing frame that was not assigned")
		return
	}
	delete(b.inflight, f)
}

func (b *Block) IsFrozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen
}

// IsFinalized is true once the block is frozen and every assigned frame has
// been retired.
func (b *Block) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frozen && len(b.inflight) == 0
}

// InFlight returns the number of assigned frames not yet retired.
func (b *Block) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// AddEvent commits ev. Calibration blocks keep only histograms, so their
// events are dropped and AddEvent returns false.
func (b *Block) AddEvent(ev *reco.Event) bool {
	if b.p.State == fsm.Calibration {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return true
}

// Events returns the committed events in commit order.
func (b *Block) Events() []*reco.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*reco.Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *Block) RecordL1(pass bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pass {
		b.counters.L1Pass++
	} else {
		b.counters.L1Skip++
	}
}

func (b *Block) RecordL2(pass bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.L2Processed++
	if pass {
		b.counters.L2Pass++
	}
}

// RecordL2Skip counts a frame that passed L1 but found the L2 queue full.
func (b *Block) RecordL2Skip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters.L2Skip++
}

// AddPixelCounts merges a frame's raw pixel value counts.
func (b *Block) AddPixelCounts(counts []int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pixels.FillCounts(counts)
	for _, c := range counts {
		b.totalPixels += c
	}
}

func (b *Block) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counters
}

// MarkAborted flags the block as cut short.
func (b *Block) MarkAborted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = true
}

func (b *Block) Aborted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// PassRate returns L1 passes per minute between the block start and now.
func (b *Block) PassRate(now frame.AcquisitionTime) float64 {
	elapsed := time.Duration(now.Nano - b.p.Start.Nano)
	if elapsed <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.counters.L1Pass) / elapsed.Minutes()
}

func (b *Block) setRetired(nano int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retiredAt = nano
}

func (b *Block) retiredNano() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retiredAt
}
