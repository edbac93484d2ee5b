package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Watchdog.Interval)
	assert.Equal(t, 750*time.Millisecond, cfg.Watchdog.MinCycleGap)
	assert.Equal(t, 0.05, cfg.Watchdog.LowEquityThreshold)
	assert.Equal(t, 0.10, cfg.Watchdog.WarningThreshold)
	assert.Equal(t, 5, cfg.Watchdog.BatchSize)
	assert.Equal(t, 16*time.Second, cfg.Feed.MaxBackoff)
	assert.Equal(t, "postgres", cfg.Store)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
store: memory
feed:
  url: ws://relay:8090/ws
  min_backoff: 500ms
watchdog:
  user_id: 7d8f3c1e-0000-4000-8000-000000000001
  batch_size: 3
  low_equity_threshold: 0.02
database:
  host: db
  port: 6543
  user: risk
  password: secret
  dbname: broker
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("WATCHDOG_BATCH_SIZE", "4")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, "ws://relay:8090/ws", cfg.Feed.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.MinBackoff)
	assert.Equal(t, 4, cfg.Watchdog.BatchSize)
	assert.Equal(t, 0.02, cfg.Watchdog.LowEquityThreshold)
	assert.Equal(t, "https://project.supabase.co", cfg.Supabase.URL)
	assert.Equal(t, "postgres://risk:secret@db:6543/broker", cfg.Database.DSN())
}

func TestLoadConfig_RejectsInvertedThresholds(t *testing.T) {
	dir := t.TempDir()
	yaml := "watchdog:\n  low_equity_threshold: 0.2\n  warning_threshold: 0.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RELAY_API_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RELAY_API_TOKEN") })

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Relay.APIToken)
}
