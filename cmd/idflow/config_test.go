package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/idflow/pkg/schema"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".idflow", "idflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2*time.Hour, cfg.StuckSyncThreshold)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 3, cfg.Connector.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Connector.Timeout)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".idflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
db_path: /var/lib/idflow/idflow.db
log_level: debug
pool_size: 4
stuck_sync_threshold: 30m
connector:
  max_rows: 200
  retry_delay: 250ms
scheduler:
  enabled: false
`), 0o600))
	t.Setenv("IDFLOW_POOL_SIZE", "8")
	t.Setenv("IDFLOW_BREAKER_COOLDOWN", "1m")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/idflow/idflow.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.PoolSize, "env wins over file")
	assert.Equal(t, 30*time.Minute, cfg.StuckSyncThreshold)
	assert.Equal(t, 200, cfg.Connector.MaxRows)
	assert.Equal(t, 250*time.Millisecond, cfg.Connector.RetryDelay)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	isolateHome(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_format: json\n"), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	isolateHome(t)
	t.Setenv("IDFLOW_LOG_FORMAT", "xml")
	t.Setenv("IDFLOW_POOL_SIZE", "0")

	_, err := loadConfig("")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "Config.LogFormat: failed oneof")
	assert.Contains(t, err.Error(), "Config.PoolSize: failed min")
}
