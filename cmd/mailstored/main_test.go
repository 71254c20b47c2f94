package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/mailstore/internal/config"
)

func TestBuildInMemory(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load("")
	require.NoError(t, err)

	svc, c, err := build(ctx, cfg, newTestLogger(t))
	require.NoError(t, err)
	require.NoError(t, svc.Connect(ctx))
	assert.True(t, svc.IsConnected())

	require.NoError(t, svc.Close(ctx))
	require.NoError(t, c.run(ctx))
}

func TestBuildInvalidBlobBackend(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Blob.Backend = config.BackendS3 // no bucket

	_, c, err := build(context.Background(), cfg, newTestLogger(t))
	require.Error(t, err)
	require.NotNil(t, c)
	assert.NoError(t, c.run(context.Background()))
}

func TestCleanupOrder(t *testing.T) {
	var order []int
	c := &cleanup{}
	c.add(func(context.Context) error { order = append(order, 1); return nil })
	c.add(func(context.Context) error { order = append(order, 2); return errors.New("two") })
	c.add(func(context.Context) error { order = append(order, 3); return nil })

	err := c.run(context.Background())
	assert.EqualError(t, err, "two")
	assert.Equal(t, []int{3, 2, 1}, order)
	assert.NoError(t, c.run(context.Background()), "second run is a no-op")
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mailstored.log")
	logger, closer, err := newLogger(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func newTestLogger(t *testing.T) *slog.Logger {
	t.Helper()
	logger, closer, err := newLogger(config.LogConfig{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { closer.Close() })
	return logger
}
