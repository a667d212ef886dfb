package exposure

import (
	"time"

	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/crayfis/xbdaq/reco"
)

// Summary is the flat record handed to the upload boundary.
type Summary struct {
	RunID         string         `json:"run_id"`
	Camera        string         `json:"camera"`
	Seq           int            `json:"xbn"`
	State         string         `json:"daq_state"`
	Aborted       bool           `json:"aborted"`
	Stale         bool           `json:"stale,omitempty"`
	StartNano     int64          `json:"start_nano"`
	EndNano       int64          `json:"end_nano"`
	StartWall     time.Time      `json:"start_wall"`
	EndWall       time.Time      `json:"end_wall"`
	StartNTP      time.Time      `json:"start_ntp"`
	EndNTP        time.Time      `json:"end_ntp"`
	StartLocation frame.Location `json:"start_location"`
	BatteryStart  int            `json:"battery_start_temp"`
	BatteryEnd    int            `json:"battery_end_temp"`
	L1Threshold   int            `json:"l1_thresh"`
	L2Threshold   int            `json:"l2_thresh"`
	L1Config      string         `json:"l1_conf"`
	L2Config      string         `json:"l2_conf"`
	Counters
	TotalPixels int64         `json:"total_pixels"`
	PixelHist   []int64       `json:"pixel_hist,omitempty"`
	Events      []*reco.Event `json:"events,omitempty"`
}

// Summary builds the upload record. Events are only included for DATA
// blocks.
func (b *Block) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Summary{
		RunID:         b.p.RunID,
		Camera:        b.p.Camera,
		Seq:           b.p.Seq,
		State:         b.p.State.String(),
		Aborted:       b.aborted,
		StartNano:     b.p.Start.Nano,
		EndNano:       b.end.Nano,
		StartWall:     b.p.Start.Wall,
		EndWall:       b.end.Wall,
		StartNTP:      b.p.Start.NTP,
		EndNTP:        b.end.NTP,
		StartLocation: b.p.Location,
		BatteryStart:  b.p.BatteryTemp,
		BatteryEnd:    b.batteryEnd,
		L1Threshold:   b.p.Thresholds.L1,
		L2Threshold:   b.p.Thresholds.L2,
		L1Config:      b.p.L1Config,
		L2Config:      b.p.L2Config,
		Counters:      b.counters,
		TotalPixels:   b.totalPixels,
	}
	if b.totalPixels > 0 {
		s.PixelHist = b.pixels.Values()
	}
	if b.p.State == fsm.Data {
		s.Events = make([]*reco.Event, len(b.events))
		copy(s.Events, b.events)
	}
	return s
}
