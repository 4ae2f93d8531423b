package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROVIDER", "replicate")
	t.Setenv("REPLICATE_API_TOKEN", "r8_test")
	t.Setenv("STORAGE_BACKEND", "supabase")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SCENEFORGE_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 300, cfg.Polling.MaxAttempts)
	assert.Equal(t, "1280x720", cfg.Compose.Resolution)
	assert.Equal(t, 42, cfg.Compose.SubtitleLineCap)
	assert.Equal(t, "@every 15m", cfg.Sweep.Schedule)
}

func TestLoadYAMLOverlayAndEnvPrecedence(t *testing.T) {
	setBaseEnv(t)

	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	body := []byte(`
polling:
  interval: 5s
  max_attempts: 10
compose:
  resolution: 720x1280
  subtitle_line_cap: 30
sweep:
  schedule: "@every 1h"
  enabled: false
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))
	t.Setenv("SCENEFORGE_CONFIG", path)
	t.Setenv("POLL_MAX_ATTEMPTS", "20")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 20, cfg.Polling.MaxAttempts, "env must win over file")
	assert.Equal(t, "720x1280", cfg.Compose.Resolution)
	assert.Equal(t, 30, cfg.Compose.SubtitleLineCap)
	assert.Equal(t, "@every 1h", cfg.Sweep.Schedule)
	assert.False(t, cfg.Sweep.Enabled)
}

func TestLoadRejectsMissingProviderCredentials(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PROVIDER", "xai")
	t.Setenv("XAI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XAI_API_KEY")
}

func TestLoadRejectsUnknownStorageBackend(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORAGE_BACKEND", "ftp")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_BACKEND")
}
