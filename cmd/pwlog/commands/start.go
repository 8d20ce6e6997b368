package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/pwlog/internal/logger"
	"github.com/marmos91/pwlog/internal/telemetry"
	"github.com/marmos91/pwlog/pkg/api"
	"github.com/marmos91/pwlog/pkg/config"
	"github.com/marmos91/pwlog/pkg/image"
	imagebadger "github.com/marmos91/pwlog/pkg/image/badger"
	imagefile "github.com/marmos91/pwlog/pkg/image/file"
	imagememory "github.com/marmos91/pwlog/pkg/image/memory"
	images3 "github.com/marmos91/pwlog/pkg/image/s3"
	"github.com/marmos91/pwlog/pkg/metrics"
	"github.com/marmos91/pwlog/pkg/writelog"

	// Import prometheus metrics to register init() functions
	_ "github.com/marmos91/pwlog/pkg/metrics/prometheus"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the pwlog server",
	Long: `Start the pwlog server with the specified configuration.

The server opens (or creates) the persistent pool, recovers any log
state left by a previous run, attaches the lower image backend, and
serves the admin API until interrupted.

Examples:
  # Start with the default config location
  pwlog start

  # Start with a custom config file
  pwlog start --config /etc/pwlog/config.yaml

  # Start with environment variable overrides
  PWLOG_LOGGING_LEVEL=DEBUG pwlog start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry and profiling are optional; failures are fatal only when
	// explicitly enabled.
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "pwlog",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	if cfg.Telemetry.Profiling.Enabled {
		stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
			Enabled:        true,
			ServiceName:    "pwlog",
			ServiceVersion: Version,
			Endpoint:       cfg.Telemetry.Profiling.Endpoint,
			ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize profiling: %w", err)
		}
		defer func() { _ = stopProfiling() }()
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	lower, err := buildImage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build image backend: %w", err)
	}

	wl := writelog.New(cfg.Cache.WriteLogConfig(), lower, metrics.NewWriteLogMetrics())
	if err := wl.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize write log: %w", err)
	}

	stopWatch, err := config.WatchLogging(GetConfigFile())
	if err != nil {
		logger.Warn("Config watch unavailable", logger.KeyError, err)
	} else {
		defer stopWatch()
	}

	// Serve the admin API until the context is cancelled.
	apiErr := make(chan error, 1)
	if cfg.API.IsEnabled() {
		srv := api.NewServer(api.APIConfig{Port: cfg.API.Port}, wl)
		go func() { apiErr <- srv.Start(ctx) }()
	}

	logger.Info("pwlog started",
		"version", Version,
		logger.KeyBackend, cfg.Image.Backend,
		"api_enabled", cfg.API.IsEnabled())

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-apiErr:
		if err != nil {
			logger.Error("API server failed", logger.KeyError, err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := wl.ShutDown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("pwlog stopped")
	return nil
}

// buildImage constructs the lower image backend from configuration.
func buildImage(ctx context.Context, cfg *config.Config) (image.Image, error) {
	size := uint64(cfg.Image.Size)

	switch cfg.Image.Backend {
	case "file":
		return imagefile.New(imagefile.Config{
			Path: cfg.Image.Path,
			Size: size,
		}), nil

	case "memory":
		return imagememory.New(size), nil

	case "badger":
		return imagebadger.New(imagebadger.Config{
			Dir:  cfg.Image.Path,
			Size: size,
		})

	case "s3":
		client, err := images3.NewClientFromConfig(ctx,
			cfg.Image.S3.Endpoint,
			cfg.Image.S3.Region,
			cfg.Image.S3.AccessKeyID,
			cfg.Image.S3.SecretAccessKey,
			cfg.Image.S3.ForcePathStyle)
		if err != nil {
			return nil, err
		}
		return images3.New(images3.Config{
			Client:    client,
			Bucket:    cfg.Image.S3.Bucket,
			KeyPrefix: cfg.Image.S3.KeyPrefix,
			Size:      size,
		})

	default:
		return nil, fmt.Errorf("unknown image backend %q", cfg.Image.Backend)
	}
}
