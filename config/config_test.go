package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2, cfg.Trigger.QueueCapacity)
	assert.Equal(t, 500, cfg.Trigger.MaxPixels)
	assert.Equal(t, 1000, cfg.DAQ.CalibrationWindow)
	assert.Equal(t, 120*time.Second, cfg.Exposure.Period)
	assert.Equal(t, 30*time.Second, cfg.Exposure.StaleTimeout)
	assert.Equal(t, 1.5, cfg.Exposure.DriftFactor)
	assert.Equal(t, "background", cfg.Quality.Mode)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
daq:
  target_events_per_minute: 30
trigger:
  l2_queue_capacity: 3
  trigger_lock: true
exposure:
  period: 60s
`)
	cfg, err := LoadFromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30.0, cfg.DAQ.TargetEventsPerMin)
	assert.Equal(t, 3, cfg.Trigger.QueueCapacity)
	assert.True(t, cfg.Trigger.TriggerLock)
	assert.Equal(t, time.Minute, cfg.Exposure.Period)
	assert.Equal(t, 45, cfg.DAQ.StabilizationFrames, "unset keys keep defaults")
}

func TestLoadFromYAMLErrors(t *testing.T) {
	_, err := LoadFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFromYAML(writeConfig(t, "quality:\n  mode: sideways\n"))
	assert.ErrorContains(t, err, "quality.mode")
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("XBDAQ_TRIGGER_MAX_PIXELS", "42")
	cfg, err := LoadFromYAML("")
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Trigger.MaxPixels)
}

func TestStoreUpdateValidates(t *testing.T) {
	s := NewStore(Default())
	err := s.Update(func(c *Config) { c.Trigger.QueueCapacity = 0 })
	assert.Error(t, err)
	assert.Equal(t, 2, s.Get().Trigger.QueueCapacity)

	require.NoError(t, s.Update(func(c *Config) { c.DAQ.TargetEventsPerMin = 120 }))
	assert.Equal(t, 120.0, s.Get().DAQ.TargetEventsPerMin)

	s.SetThresholds(9, 8)
	l1, l2 := s.Thresholds()
	assert.Equal(t, 9, l1)
	assert.Equal(t, 8, l2)
}

func TestStoreWatchKeepsThresholds(t *testing.T) {
	path := writeConfig(t, "daq:\n  target_events_per_minute: 60\n")
	cfg, err := LoadFromYAML(path)
	require.NoError(t, err)

	s := NewStore(cfg)
	s.SetThresholds(11, 10)
	s.Watch(path, zerolog.Nop())

	require.NoError(t, os.WriteFile(path, []byte("daq:\n  target_events_per_minute: 90\n"), 0o644))
	require.Eventually(t, func() bool {
		return s.Get().DAQ.TargetEventsPerMin == 90
	}, 5*time.Second, 20*time.Millisecond)

	l1, l2 := s.Thresholds()
	assert.Equal(t, 11, l1)
	assert.Equal(t, 10, l2)
}
