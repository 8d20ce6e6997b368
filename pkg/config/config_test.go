package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/pwlog/internal/bytesize"
	"github.com/marmos91/pwlog/pkg/writelog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
cache:
  pool_dir: /tmp/pwlog-test
image:
  backend: memory
  size: 1Gi
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.True(t, cfg.API.IsEnabled())

	assert.Equal(t, writelog.DefaultPoolName, cfg.Cache.PoolName)
	assert.Equal(t, bytesize.ByteSize(writelog.DefaultPoolSize), cfg.Cache.PoolSize)
	assert.Equal(t, uint32(writelog.MinWriteAllocSize), cfg.Cache.BlockSize)
	require.NotNil(t, cfg.Cache.PersistOnWriteUntilFlush)
	assert.True(t, *cfg.Cache.PersistOnWriteUntilFlush)
	assert.Equal(t, uint32(writelog.DefaultMaxConcurrentWrites), cfg.Cache.MaxConcurrentWrites)
}

func TestLoadHumanReadableSizes(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
  pool_size: 2Gi
  block_size: 4096
image:
  backend: memory
  size: 512Mi
`))
	require.NoError(t, err)

	assert.Equal(t, 2*bytesize.GiB, cfg.Cache.PoolSize)
	assert.Equal(t, uint32(4096), cfg.Cache.BlockSize)
	assert.Equal(t, 512*bytesize.MiB, cfg.Image.Size)
}

func TestLoadRejectsSmallPool(t *testing.T) {
	_, err := Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
  pool_size: 512Mi
image:
  backend: memory
  size: 1Gi
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_size")
}

func TestLoadRejectsConflictingPersistModes(t *testing.T) {
	_, err := Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
  persist_on_flush: true
  persist_on_write_until_flush: true
image:
  backend: memory
  size: 1Gi
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoadRejectsMissingBackendConfig(t *testing.T) {
	_, err := Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
image:
  backend: s3
  size: 1Gi
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	_, err = Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
image:
  backend: file
  size: 1Gi
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image.path")
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := Load(writeConfig(t, `
cache:
  pool_dir: /tmp/pwlog-test
image:
  backend: tape
  size: 1Gi
`))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PWLOG_LOGGING_LEVEL", "DEBUG")

	// The key must appear in the file for viper to consider the
	// environment during Unmarshal.
	cfg, err := Load(writeConfig(t, `
logging:
  level: INFO
cache:
  pool_dir: /tmp/pwlog-test
image:
  backend: memory
  size: 1Gi
`))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestInitConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))

	// The sample must load cleanly.
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pwlog", cfg.Cache.PoolDir)
	assert.Equal(t, "file", cfg.Image.Backend)

	// Refuses to overwrite without force.
	err = InitConfigToPath(path, false)
	require.Error(t, err)
	require.NoError(t, InitConfigToPath(path, true))
}

func TestWriteLogConfigConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cache:
  pool_dir: /data/pool
  pool_name: cache0
  block_size: 4096
  max_concurrent_writes: 64
  read_only: true
image:
  backend: memory
  size: 1Gi
`))
	require.NoError(t, err)

	wlCfg := cfg.Cache.WriteLogConfig()
	assert.Equal(t, "/data/pool", wlCfg.PoolDir)
	assert.Equal(t, "cache0", wlCfg.PoolName)
	assert.Equal(t, uint32(4096), wlCfg.BlockSize)
	assert.Equal(t, uint32(64), wlCfg.MaxConcurrentWrites)
	assert.True(t, wlCfg.ReadOnly)
	assert.True(t, wlCfg.PersistOnWriteUntilFlush)
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "file", cfg.Image.Backend)
}
