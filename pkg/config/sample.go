package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the commented configuration template written by
// `pwlog init`.
const sampleConfig = `# pwlog configuration file
#
# Every value can be overridden with a PWLOG_* environment variable,
# e.g. PWLOG_LOGGING_LEVEL=DEBUG.

logging:
  # Minimum log level: DEBUG, INFO, WARN, ERROR
  level: INFO
  # Output format: text or json
  format: text
  # Destination: stdout, stderr, or a file path
  output: stdout

telemetry:
  # OpenTelemetry tracing (OTLP gRPC)
  enabled: false
  endpoint: localhost:4317
  insecure: true
  sample_rate: 1.0
  profiling:
    # Pyroscope continuous profiling
    enabled: false
    endpoint: http://localhost:4040

# Maximum time to wait for graceful shutdown
shutdown_timeout: 30s

metrics:
  # Prometheus metrics, served at /metrics on the admin API
  enabled: true

api:
  enabled: true
  port: 8080

cache:
  # Directory holding the pool file. Both <pool_name>.poolset and
  # <pool_name>.pool are recognized, in that order.
  pool_dir: /var/lib/pwlog
  pool_name: rwl
  # Pool size; minimum and default 1Gi
  pool_size: 1Gi
  # Block size; every IO offset and length must be a multiple of it
  block_size: 512
  # persist_on_flush completes writes at dispatch and promises
  # durability at the next flush. persist_on_write_until_flush starts
  # with per-write durability and switches at the first flush.
  persist_on_flush: false
  persist_on_write_until_flush: true
  max_concurrent_writes: 256
  flush_batch_size: 32
  retire_batch_size: 8
  read_only: false

image:
  # Lower image backend: file, memory, s3, badger
  backend: file
  path: /var/lib/pwlog/image.raw
  size: 10Gi
  # s3:
  #   endpoint: http://localhost:9000
  #   region: us-east-1
  #   bucket: pwlog-images
  #   key_prefix: images/vm-1/
  #   access_key_id: minioadmin
  #   secret_access_key: minioadmin
  #   force_path_style: true
`

// InitConfig writes the sample configuration to the default location.
// Returns the path written. Fails if the file exists unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
