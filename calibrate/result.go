package calibrate

import "time"

// Result is the calibration record uploaded on every switch to DATA.
type Result struct {
	RunID      string     `json:"run_id"`
	Camera     string     `json:"camera"`
	At         time.Time  `json:"at"`
	FPS        float64    `json:"fps"`
	Thresholds Thresholds `json:"thresholds"`
	Samples    int64      `json:"samples"`
	MaxPixel   []int64    `json:"max_pixel_hist"`
	Underflow  int64      `json:"underflow"`
	Overflow   int64      `json:"overflow"`
}

// Result packages the current max-pixel histogram.
func (c *Calibrator) Result(runID, camera string, at time.Time, th Thresholds) Result {
	h := c.Histogram()
	return Result{
		RunID:      runID,
		Camera:     camera,
		At:         at,
		FPS:        c.FPS(),
		Thresholds: th,
		Samples:    h.Entries(),
		MaxPixel:   h.Values(),
		Underflow:  h.Underflow(),
		Overflow:   h.Overflow(),
	}
}
