// Package config loads and validates pwlog configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PWLOG_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/pwlog/internal/bytesize"
)

// Config represents the pwlog configuration.
//
// This structure captures the static configuration of the write log
// server: logging, telemetry, the admin API, the Prometheus metrics
// endpoint, the PMEM pool-backed cache, and the lower image backend.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing and profiling
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains admin API server configuration
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Cache specifies the PMEM pool-backed write log configuration
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Image specifies the lower image the log writes back to
	Image ImageConfig `mapstructure:"image" yaml:"image"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040"
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures Prometheus metrics collection.
// Metrics are served on the admin API's /metrics endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// APIConfig configures the admin API HTTP server.
type APIConfig struct {
	// Enabled controls whether the API server is started
	// Default: true
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the API endpoints
	// Default: 8080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// IsEnabled returns whether the API server is enabled.
// Defaults to true if not explicitly set.
func (c *APIConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// CacheConfig specifies the PMEM pool-backed write log configuration.
type CacheConfig struct {
	// PoolDir is the directory for the pool file (required)
	// Both <name>.poolset and <name>.pool are recognized in order.
	PoolDir string `mapstructure:"pool_dir" validate:"required" yaml:"pool_dir"`

	// PoolName is the pool file base name
	// Default: "rwl"
	PoolName string `mapstructure:"pool_name" yaml:"pool_name,omitempty"`

	// PoolSize is the pool file size
	// Supports human-readable formats: "1Gi", "2GB"
	// Default and minimum: 1Gi
	PoolSize bytesize.ByteSize `mapstructure:"pool_size" yaml:"pool_size,omitempty"`

	// BlockSize is the unit of allocation and lookup; every IO must be
	// aligned to it. Minimum 512.
	// Default: 512
	BlockSize uint32 `mapstructure:"block_size" validate:"omitempty,min=512" yaml:"block_size,omitempty"`

	// PersistOnFlush makes user completions precede persistence, which
	// the next flush promises.
	// Default: false (persist each write before completion)
	PersistOnFlush bool `mapstructure:"persist_on_flush" yaml:"persist_on_flush"`

	// PersistOnWriteUntilFlush starts in persist-on-write mode and flips
	// to persist-on-flush at the first flush.
	// Default: true (matches typical virtual-disk barrier semantics)
	PersistOnWriteUntilFlush *bool `mapstructure:"persist_on_write_until_flush" yaml:"persist_on_write_until_flush,omitempty"`

	// MaxConcurrentWrites is the write-concurrency lane count
	// Default: 256
	MaxConcurrentWrites uint32 `mapstructure:"max_concurrent_writes" yaml:"max_concurrent_writes,omitempty"`

	// FlushBatchSize caps the log operations per payload flush batch
	// Default: 32
	FlushBatchSize int `mapstructure:"flush_batch_size" yaml:"flush_batch_size,omitempty"`

	// RetireBatchSize caps the entries retired per pool transaction
	// Default: 8 (also the maximum)
	RetireBatchSize int `mapstructure:"retire_batch_size" yaml:"retire_batch_size,omitempty"`

	// ReadOnly rejects writes (snapshot view)
	ReadOnly bool `mapstructure:"read_only" yaml:"read_only"`
}

// ImageConfig specifies the lower image backend.
type ImageConfig struct {
	// Backend selects the image implementation
	// Valid values: file, memory, s3, badger
	Backend string `mapstructure:"backend" validate:"required,oneof=file memory s3 badger" yaml:"backend"`

	// Size is the image size
	// Supports human-readable formats: "10Gi", "1TB"
	Size bytesize.ByteSize `mapstructure:"size" validate:"required" yaml:"size"`

	// Path is the image file (file backend) or database directory
	// (badger backend)
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// S3 configures the s3 backend
	S3 S3ImageConfig `mapstructure:"s3" yaml:"s3,omitempty"`
}

// S3ImageConfig configures the S3 image backend.
type S3ImageConfig struct {
	// Endpoint is the S3 endpoint URL (empty for AWS)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Region is the AWS region
	Region string `mapstructure:"region" yaml:"region,omitempty"`

	// Bucket is the bucket holding the image chunks (required for s3)
	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`

	// KeyPrefix namespaces this image's chunk objects
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials; when empty
	// the default AWS credential chain is used
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle enables path-style addressing (MinIO and most
	// S3-compatible stores)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (PWLOG_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly
// instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  pwlog init\n\n"+
				"Or specify a custom config file:\n"+
				"  pwlog <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  pwlog init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions: the S3 section may hold credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the PWLOG_ prefix and underscores.
	// Example: PWLOG_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("PWLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize,
// enabling human-readable sizes like "1Gi", "500Mi", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, enabling
// human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pwlog")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pwlog")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
