// Package metrics exposes the DAQ counters to Prometheus.
package metrics

import (
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xbdaq"

// Collector implements the observer hooks of the trigger pipeline, the block
// manager and the DAQ controller.
type Collector struct {
	reg prometheus.Registerer

	frames         prometheus.Counter
	framesLost     prometheus.Counter
	l1Passed       prometheus.Counter
	queueDropped   prometheus.Counter
	qualityRejects prometheus.Counter
	events         prometheus.Counter
	recoTime       prometheus.Histogram
	blocksStarted  *prometheus.CounterVec
	blocksFlushed  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	state          *prometheus.GaugeVec
	thresholds     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames submitted to L1.",
		}),
		framesLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_lost_total",
			Help:      "Exposures lost because every pixel buffer was in use.",
		}),
		l1Passed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "l1_pass_total",
			Help:      "Frames above the L1 threshold.",
		}),
		queueDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "l2_queue_dropped_total",
			Help:      "L1 passes dropped because the L2 queue was full.",
		}),
		qualityRejects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_rejects_total",
			Help:      "Frames failing quality cuts in L2.",
		}),
		events: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_committed_total",
			Help:      "Events committed to exposure blocks.",
		}),
		recoTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruction_seconds",
			Help:      "L2 reconstruction time per frame.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.010, 0.030, 0.060, 0.120, 0.250},
		}),
		blocksStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_started_total",
			Help:      "Exposure blocks opened, by DAQ state.",
		}, []string{"state"}),
		blocksFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_flushed_total",
			Help:      "Exposure blocks handed to the upload boundary.",
		}, []string{"state", "stale"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "DAQ state transitions.",
		}, []string{"from", "to"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the current DAQ state.",
		}, []string{"state"}),
		thresholds: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Committed trigger thresholds.",
		}, []string{"level"}),
	}
}

// Gauge registers a gauge sampled from fn at scrape time.
func (c *Collector) Gauge(name, help string, fn func() float64) {
	promauto.With(c.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (c *Collector) FrameSubmitted()  { c.frames.Inc() }
func (c *Collector) FrameLost()       { c.framesLost.Inc() }
func (c *Collector) L1Passed()        { c.l1Passed.Inc() }
func (c *Collector) QueueDropped()    { c.queueDropped.Inc() }
func (c *Collector) QualityRejected() { c.qualityRejects.Inc() }
func (c *Collector) EventCommitted()  { c.events.Inc() }

func (c *Collector) Reconstructed(d time.Duration) { c.recoTime.Observe(d.Seconds()) }

func (c *Collector) BlockStarted(state fsm.State) {
	c.blocksStarted.WithLabelValues(state.String()).Inc()
}

func (c *Collector) BlockFlushed(state fsm.State, stale bool) {
	s := "false"
	if stale {
		s = "true"
	}
	c.blocksFlushed.WithLabelValues(state.String(), s).Inc()
}

func (c *Collector) StateChanged(from, to fsm.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
	for _, s := range fsm.All() {
		v := 0.0
		if s == to {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) ThresholdsChanged(th calibrate.Thresholds) {
	c.thresholds.WithLabelValues("l1").Set(float64(th.L1))
	c.thresholds.WithLabelValues("l2").Set(float64(th.L2))
}
