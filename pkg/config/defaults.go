package config

import (
	"strings"
	"time"

	"github.com/marmos91/pwlog/internal/bytesize"
	"github.com/marmos91/pwlog/pkg/writelog"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	applyAPIDefaults(&cfg.API)
	applyCacheDefaults(&cfg.Cache)
	applyImageDefaults(&cfg.Image)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
}

func applyCacheDefaults(cfg *CacheConfig) {
	if cfg.PoolName == "" {
		cfg.PoolName = writelog.DefaultPoolName
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = bytesize.ByteSize(writelog.DefaultPoolSize)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = writelog.MinWriteAllocSize
	}
	if cfg.PersistOnWriteUntilFlush == nil {
		v := true
		cfg.PersistOnWriteUntilFlush = &v
	}
	if cfg.MaxConcurrentWrites == 0 {
		cfg.MaxConcurrentWrites = writelog.DefaultMaxConcurrentWrites
	}
	if cfg.FlushBatchSize == 0 {
		cfg.FlushBatchSize = 32
	}
	if cfg.RetireBatchSize == 0 {
		cfg.RetireBatchSize = writelog.MaxAllocPerTransaction
	}
}

func applyImageDefaults(cfg *ImageConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "file"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// GetDefaultConfig returns a fully defaulted configuration suitable for
// local development.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Cache: CacheConfig{
			PoolDir: "/var/lib/pwlog",
		},
		Image: ImageConfig{
			Backend: "file",
			Path:    "/var/lib/pwlog/image.raw",
			Size:    10 * bytesize.GiB,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

// WriteLogConfig converts the cache section into the write log's own
// configuration type.
func (c *CacheConfig) WriteLogConfig() writelog.Config {
	persistOnWriteUntilFlush := true
	if c.PersistOnWriteUntilFlush != nil {
		persistOnWriteUntilFlush = *c.PersistOnWriteUntilFlush
	}
	return writelog.Config{
		PoolDir:                  c.PoolDir,
		PoolName:                 c.PoolName,
		PoolSize:                 uint64(c.PoolSize),
		BlockSize:                c.BlockSize,
		PersistOnFlush:           c.PersistOnFlush,
		PersistOnWriteUntilFlush: persistOnWriteUntilFlush,
		MaxConcurrentWrites:      c.MaxConcurrentWrites,
		FlushBatchSize:           c.FlushBatchSize,
		RetireBatchSize:          c.RetireBatchSize,
		ReadOnly:                 c.ReadOnly,
	}
}
