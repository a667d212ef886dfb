package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/crayfis/xbdaq/config"
	"github.com/crayfis/xbdaq/daq"
	"github.com/crayfis/xbdaq/frame"
	"github.com/crayfis/xbdaq/logger"
	"github.com/crayfis/xbdaq/metrics"
	"github.com/crayfis/xbdaq/upload"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
	appName = "xbdaq"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Cosmic ray acquisition core",
		Long: `xbdaq turns a stream of dark camera frames into exposure blocks of
cosmic ray candidates. Frames pass a cheap L1 test against a calibrated
threshold; survivors are reconstructed pixel by pixel and spooled for upload.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.LoadFromYAML(configPath)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return cfg, logger.New(cfg.LogLevel), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Acquire frames from the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return run(cfg, configPath, log)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "spool",
		Short: "Show pending records in the upload spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			spool, err := upload.OpenSpool(cfg.Upload.SpoolPath, log)
			if err != nil {
				return err
			}
			defer spool.Close()
			st, err := spool.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("exposure blocks:     %d pending, %d uploaded\n", st.PendingBlocks, st.UploadedBlocks)
			fmt.Printf("calibration results: %d pending, %d uploaded\n", st.PendingCalibrations, st.UploadedCalibrations)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func run(cfg config.Config, configPath string, log zerolog.Logger) error {
	if cfg.Source.Kind != "sim" {
		return fmt.Errorf("unsupported frame source %q", cfg.Source.Kind)
	}

	runID := uuid.NewString()
	log = log.With().Str("run_id", runID).Logger()

	store := config.NewStore(cfg)
	store.Watch(configPath, log)

	spool, err := upload.OpenSpool(cfg.Upload.SpoolPath, log)
	if err != nil {
		return err
	}
	defer spool.Close()

	sensors := frame.StaticSensors{Env: frame.Environment{RotationZZ: -1, BatteryTemp: 300, FacingBack: true}}
	pool := frame.NewPool(cfg.Source.Buffers, cfg.Source.Width*cfg.Source.Height)
	src := frame.NewSimSource(frame.SimConfig{
		Camera:   cfg.DAQ.CameraName,
		Width:    cfg.Source.Width,
		Height:   cfg.Source.Height,
		FPS:      cfg.Source.FPS,
		Noise:    cfg.Source.Noise,
		HitRate:  cfg.Source.HitRate,
		HotCells: cfg.Source.HotCells,
		Seed:     cfg.Source.Seed,
	}, pool, sensors)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctl, err := daq.New(daq.Options{
		RunID:    runID,
		Store:    store,
		Source:   src,
		Sensors:  sensors,
		Sink:     spool,
		Observer: m,
	}, log)
	if err != nil {
		return err
	}
	m.Gauge("fps", "Frame rate measured over the calibration window.", ctl.Calibrator().FPS)
	m.Gauge("pool_outstanding", "Pixel buffers checked out.", func() float64 { return float64(pool.Outstanding()) })
	m.Gauge("l2_queue_length", "Frames waiting for reconstruction.", func() float64 { return float64(ctl.Pipeline().QueueLen()) })
	m.Gauge("blocks_pending", "Retired exposure blocks awaiting finalization.", func() float64 { return float64(ctl.Manager().Pending()) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.MetricsListen).Msg("metrics server failed")
		}
	}()

	if cfg.Upload.Endpoint != "" {
		client := upload.NewClient(cfg.Upload.Endpoint, log)
		go client.Drain(ctx, spool, cfg.Upload.Interval, cfg.Upload.Batch)
	} else {
		log.Info().Msg("no upload endpoint configured, records stay in the spool")
	}

	log.Info().Str("camera", src.Name()).Str("version", Version).Msg("starting DAQ")
	runErr := ctl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DAQ.ShutdownTimeout)
	defer cancel()
	if err := ctl.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to close frame source")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop metrics server")
	}
	return runErr
}
