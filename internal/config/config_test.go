package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.DefaultDeadline)
	assert.Equal(t, 30*time.Second, cfg.SuspectAfter)
	assert.Equal(t, 90*time.Second, cfg.DeadAfter)
	assert.Equal(t, 64, cfg.StreamBufferDepth)
	assert.Equal(t, 0.25, cfg.SuspectPenalty)
	assert.Greater(t, cfg.ReputationPenalty, cfg.ReputationReward)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("SUSPECT_AFTER", "10s")
	t.Setenv("DEAD_AFTER", "20s")
	t.Setenv("WEIGHT_LATENCY", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.SuspectAfter)
	assert.Equal(t, 20*time.Second, cfg.DeadAfter)
	assert.Equal(t, 2.5, cfg.WeightLatency)
}

func TestYAMLFileWithEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen_addr: \":9000\"\nmax_attempts: 4\n"), 0o644))

	t.Setenv("MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr) // from file
	assert.Equal(t, 7, cfg.MaxAttempts)      // env wins over file
}

func TestValidation(t *testing.T) {
	t.Run("max_attempts", func(t *testing.T) {
		t.Setenv("MAX_ATTEMPTS", "0")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("suspect_before_dead", func(t *testing.T) {
		t.Setenv("SUSPECT_AFTER", "2m")
		t.Setenv("DEAD_AFTER", "1m")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("stream_buffer_depth", func(t *testing.T) {
		t.Setenv("STREAM_BUFFER_DEPTH", "0")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDBDSN(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Contains(t, cfg.DBDSN(), "host=localhost")
	assert.Contains(t, cfg.DBDSN(), "dbname=hivegrid")
	assert.Contains(t, cfg.DBDSN(), "sslmode=disable")
}
