package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("HTTP_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectMin)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crawlwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9000\nlog_level: debug\nmax_batch: 7\n"), 0o644))

	t.Setenv(ConfigFileEnv, path)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("MAX_BATCH", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort, "environment wins over file")
	assert.Equal(t, 7, cfg.MaxBatch)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
