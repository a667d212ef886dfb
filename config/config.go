package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type DAQConfig struct {
	CameraName           string        `mapstructure:"camera_name"`
	StabilizationFrames  int           `mapstructure:"stabilization_frames"`
	PrecalibrationFrames int           `mapstructure:"precalibration_frames"`
	CalibrationFrames    int           `mapstructure:"calibration_frames"`
	CalibrationWindow    int           `mapstructure:"calibration_window"`
	TargetEventsPerMin   float64       `mapstructure:"target_events_per_minute"`
	TargetFPS            float64       `mapstructure:"target_fps"`
	HotcellFraction      float64       `mapstructure:"hotcell_fraction"`
	RequestBuffer        int           `mapstructure:"request_buffer"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

type TriggerConfig struct {
	L1Config       string        `mapstructure:"l1_config"`
	L2Config       string        `mapstructure:"l2_config"`
	L1Threshold    int           `mapstructure:"l1_threshold"`
	L2Threshold    int           `mapstructure:"l2_threshold"`
	TriggerLock    bool          `mapstructure:"trigger_lock"`
	QueueCapacity  int           `mapstructure:"l2_queue_capacity"`
	MaxPixels      int           `mapstructure:"max_pixels"`
	IdleSweep      time.Duration `mapstructure:"idle_sweep"`
	BackgroundStep int           `mapstructure:"background_step"`
}

type QualityConfig struct {
	Mode              string  `mapstructure:"mode"`
	BgAvgCut          float64 `mapstructure:"bg_avg_cut"`
	BgStdCut          float64 `mapstructure:"bg_std_cut"`
	OrientCutDeg      float64 `mapstructure:"orient_cut_deg"`
	PixFracCut        float64 `mapstructure:"pix_frac_cut"`
	StuckFrames       int     `mapstructure:"stuck_frames"`
	StuckHashDistance int     `mapstructure:"stuck_hash_distance"`
}

type ExposureConfig struct {
	Period             time.Duration `mapstructure:"period"`
	StaleTimeout       time.Duration `mapstructure:"stale_timeout"`
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval"`
	DriftFactor        float64       `mapstructure:"drift_factor"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
}

type SourceConfig struct {
	Kind     string  `mapstructure:"kind"`
	Width    int     `mapstructure:"width"`
	Height   int     `mapstructure:"height"`
	FPS      float64 `mapstructure:"fps"`
	Buffers  int     `mapstructure:"buffers"`
	Noise    float64 `mapstructure:"noise"`
	HitRate  float64 `mapstructure:"hit_rate"`
	HotCells int     `mapstructure:"hot_cells"`
	Seed     int64   `mapstructure:"seed"`
}

type UploadConfig struct {
	SpoolPath string        `mapstructure:"spool_path"`
	Endpoint  string        `mapstructure:"endpoint"`
	Interval  time.Duration `mapstructure:"interval"`
	Batch     int           `mapstructure:"batch"`
}

type Config struct {
	LogLevel      string         `mapstructure:"log_level"`
	MetricsListen string         `mapstructure:"metrics_listen"`
	DAQ           DAQConfig      `mapstructure:"daq"`
	Trigger       TriggerConfig  `mapstructure:"trigger"`
	Quality       QualityConfig  `mapstructure:"quality"`
	Exposure      ExposureConfig `mapstructure:"exposure"`
	Source        SourceConfig   `mapstructure:"source"`
	Upload        UploadConfig   `mapstructure:"upload"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_listen", ":9108")

	v.SetDefault("daq.camera_name", "sim0")
	v.SetDefault("daq.stabilization_frames", 45)
	v.SetDefault("daq.precalibration_frames", 0)
	v.SetDefault("daq.calibration_frames", 1000)
	v.SetDefault("daq.calibration_window", 1000)
	v.SetDefault("daq.target_events_per_minute", 60.0)
	v.SetDefault("daq.target_fps", 30.0)
	v.SetDefault("daq.hotcell_fraction", 0.0002)
	v.SetDefault("daq.request_buffer", 8)
	v.SetDefault("daq.shutdown_timeout", "10s")

	v.SetDefault("trigger.l1_config", "default")
	v.SetDefault("trigger.l2_config", "default;npix=500")
	v.SetDefault("trigger.l1_threshold", 0)
	v.SetDefault("trigger.l2_threshold", 5)
	v.SetDefault("trigger.trigger_lock", false)
	v.SetDefault("trigger.l2_queue_capacity", 2)
	v.SetDefault("trigger.max_pixels", 500)
	v.SetDefault("trigger.idle_sweep", "250ms")
	v.SetDefault("trigger.background_step", 10)

	v.SetDefault("quality.mode", "background")
	v.SetDefault("quality.bg_avg_cut", 5.0)
	v.SetDefault("quality.bg_std_cut", 5.0)
	v.SetDefault("quality.orient_cut_deg", 10.0)
	v.SetDefault("quality.pix_frac_cut", 0.10)
	v.SetDefault("quality.stuck_frames", 0)
	v.SetDefault("quality.stuck_hash_distance", 0)

	v.SetDefault("exposure.period", "120s")
	v.SetDefault("exposure.stale_timeout", "30s")
	v.SetDefault("exposure.drift_check_interval", "5s")
	v.SetDefault("exposure.drift_factor", 1.5)
	v.SetDefault("exposure.flush_interval", "1s")

	v.SetDefault("source.kind", "sim")
	v.SetDefault("source.width", 320)
	v.SetDefault("source.height", 240)
	v.SetDefault("source.fps", 30.0)
	v.SetDefault("source.buffers", 6)
	v.SetDefault("source.noise", 1.0)
	v.SetDefault("source.hit_rate", 0.05)
	v.SetDefault("source.hot_cells", 0)
	v.SetDefault("source.seed", 1)

	v.SetDefault("upload.spool_path", "xbdaq.db")
	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.interval", "30s")
	v.SetDefault("upload.batch", 20)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("XBDAQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFromYAML reads path on top of the defaults. An empty path yields the
// defaults plus environment overrides.
func LoadFromYAML(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Trigger.QueueCapacity < 1:
		return fmt.Errorf("trigger.l2_queue_capacity must be positive, got %d", c.Trigger.QueueCapacity)
	case c.DAQ.CalibrationWindow < 1:
		return fmt.Errorf("daq.calibration_window must be positive, got %d", c.DAQ.CalibrationWindow)
	case c.DAQ.TargetEventsPerMin <= 0:
		return fmt.Errorf("daq.target_events_per_minute must be positive, got %v", c.DAQ.TargetEventsPerMin)
	case c.Exposure.Period <= 0:
		return fmt.Errorf("exposure.period must be positive, got %v", c.Exposure.Period)
	case c.Quality.Mode != "background" && c.Quality.Mode != "orientation":
		return fmt.Errorf("quality.mode must be background or orientation, got %q", c.Quality.Mode)
	}
	return nil
}

// Store is the live configuration shared by the acquisition components. It
// may be replaced wholesale by a file watch or patched by remote commands.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Thresholds returns the live L1 and L2 thresholds.
func (s *Store) Thresholds() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Trigger.L1Threshold, s.cfg.Trigger.L2Threshold
}

// SetThresholds commits a new threshold pair.
func (s *Store) SetThresholds(l1, l2 int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Trigger.L1Threshold = l1
	s.cfg.Trigger.L2Threshold = l2
}

// Update applies fn to the configuration. If the result fails validation the
// previous configuration is kept.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next
	return nil
}

// Watch reloads path whenever it changes on disk. Thresholds already
// committed by calibration are preserved across reloads.
func (s *Store) Watch(path string, log zerolog.Logger) {
	if path == "" {
		return
	}
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		log.Error().Err(err).Str("file", path).Msg("config watch disabled")
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("ignoring invalid config update")
			return
		}
		s.mu.Lock()
		cfg.Trigger.L1Threshold = s.cfg.Trigger.L1Threshold
		cfg.Trigger.L2Threshold = s.cfg.Trigger.L2Threshold
		s.cfg = cfg
		s.mu.Unlock()
		log.Info().Str("file", e.Name).Msg("config reloaded")
	})
	v.WatchConfig()
}
