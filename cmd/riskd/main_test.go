package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "riskd dev\n", out.String())
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, config.Config{Store: "memory"}, false)
	require.NoError(t, err)
	defer closeStore()
	instruments, err := store.Instruments(ctx)
	require.NoError(t, err)
	assert.Empty(t, instruments)

	_, _, err = openStore(ctx, config.Config{Store: "redis"}, false)
	assert.ErrorContains(t, err, "unknown store")

	_, _, err = openStore(ctx, config.Config{Store: "supabase"}, false)
	assert.Error(t, err)
}

func TestWatchRequiresUser(t *testing.T) {
	rc := &rootConfig{cfg: config.Config{Store: "memory"}, logger: slog.Default()}
	err := runWatch(context.Background(), rc, false, 0)
	assert.ErrorContains(t, err, "user_id")
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(context.Background(), slog.LevelDebug))
	assert.False(t, newLogger("bogus").Enabled(context.Background(), slog.LevelDebug))
}
