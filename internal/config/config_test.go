package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets keys for the duration of the test. envconfig falls back to
// the unprefixed name, so PORT or LOG_LEVEL from the host would leak in.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t, "PORT", "KAIZEN_PORT", "RING_CAPACITY", "KAIZEN_RING_CAPACITY",
		"FLUSH_INTERVAL", "KAIZEN_FLUSH_INTERVAL", "ORPHAN_GRACE", "KAIZEN_ORPHAN_GRACE",
		"DATA_DIR", "KAIZEN_DATA_DIR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Port)
	assert.Equal(t, 200, cfg.RingCapacity)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.OrphanGrace)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAIZEN_PORT", "9001")
	t.Setenv("KAIZEN_DATA_DIR", dir)
	t.Setenv("KAIZEN_RING_CAPACITY", "50")
	t.Setenv("KAIZEN_FLUSH_INTERVAL", "500ms")
	t.Setenv("KAIZEN_SHELL", "/bin/sh")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 50, cfg.RingCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, "/bin/sh", cfg.Shell)
	assert.Equal(t, filepath.Join(dir, "pids.json"), cfg.PidFile())
	assert.Equal(t, filepath.Join(dir, "output"), cfg.OutputDir())
	assert.Equal(t, filepath.Join(dir, "sessions.log"), cfg.EventLogFile())
}

func TestLoad_InvalidCapacity(t *testing.T) {
	clearEnv(t, "PORT", "KAIZEN_PORT")
	t.Setenv("KAIZEN_RING_CAPACITY", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Unparseable(t *testing.T) {
	t.Setenv("KAIZEN_PORT", "not-a-port")
	_, err := Load()
	assert.Error(t, err)
}

func TestDefault_Valid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
