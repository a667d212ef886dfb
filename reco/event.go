// Package reco turns frames that passed L1 into candidate events.
package reco

import (
	"time"

	"github.com/crayfis/xbdaq/frame"
)

// Pixel is one pixel above the L2 threshold with its neighbourhood.
type Pixel struct {
	X       int     `json:"x"`
	Y       int     `json:"y"`
	Val     int     `json:"val"`
	Avg3    float64 `json:"avg_3"`
	Avg5    float64 `json:"avg_5"`
	NearMax int     `json:"near_max"`
}

// Event is the reconstruction of one frame. It is not modified after Build.
type Event struct {
	Nano        int64          `json:"t_nano"`
	Wall        time.Time      `json:"t_wall"`
	NTP         time.Time      `json:"t_ntp"`
	Camera      string         `json:"camera"`
	Location    frame.Location `json:"location"`
	Orientation [3]float64     `json:"orientation"`
	RotationZZ  float64        `json:"rotation_zz"`
	Pressure    float64        `json:"pressure"`
	BatteryTemp int            `json:"battery_temp"`
	MaxPixel    int            `json:"max_pixel"`
	BgAvg       float64        `json:"bg_avg"`
	BgVar       float64        `json:"bg_var"`
	Quality     bool           `json:"quality"`
	Flagged     float64        `json:"pix_frac"`
	Pixels      []Pixel        `json:"pixels,omitempty"`
}

// Build assembles an event from the frame context and its reconstruction.
func Build(f *frame.Frame, bg Stats, quality bool, pixels []Pixel, flagged float64) *Event {
	return &Event{
		Nano:        f.Acquired.Nano,
		Wall:        f.Acquired.Wall,
		NTP:         f.Acquired.NTP,
		Camera:      f.Camera,
		Location:    f.Env.Location,
		Orientation: f.Env.Orientation,
		RotationZZ:  f.Env.RotationZZ,
		Pressure:    f.Env.Pressure,
		BatteryTemp: f.Env.BatteryTemp,
		MaxPixel:    f.Stats.Max,
		BgAvg:       bg.Avg,
		BgVar:       bg.Var,
		Quality:     quality,
		Flagged:     flagged,
		Pixels:      pixels,
	}
}
