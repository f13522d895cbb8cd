package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kernelstore/internal/config"
)

func TestDefault_MatchesSpecDefaults(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "kernel", cfg.Source)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 100, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 5, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.Dispatcher.RetentionPeriod)
	assert.Equal(t, uint32(5), cfg.Bus.BreakerMaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Bus.BreakerTimeout)
	assert.InDelta(t, 0.5, cfg.Store.DispatcherShare, 0.0001)
}

func TestLoad_NoPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Dispatcher, cfg.Dispatcher)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	contents := `
store:
  dsn: "postgres://kernel@localhost/kernel"
dispatcher:
  batch_size: 250
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://kernel@localhost/kernel", cfg.Store.DSN)
	assert.Equal(t, 250, cfg.Dispatcher.BatchSize)
	// Unset fields keep their spec default.
	assert.Equal(t, 5, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
