package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Contains(t, cfg.StorePath, ".contextd")
	assert.Equal(t, "http://localhost:11434", cfg.LM.BaseURL)
	assert.True(t, cfg.LM.Enabled)
	assert.True(t, cfg.Improver.AutoApproveLow)
	assert.False(t, cfg.Improver.AutoApproveMedium)
	assert.False(t, cfg.Improver.AutoApproveHigh)
	assert.Equal(t, "127.0.0.1:7466", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_path: /tmp/ctx/store.json
log_level: debug
lm:
  enabled: false
  model: mistral
improver:
  tick_interval: 90s
  auto_approve_medium: true
http:
  addr: 127.0.0.1:9000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ctx/store.json", cfg.StorePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.LM.Enabled)
	assert.Equal(t, "mistral", cfg.LM.Model)
	assert.True(t, cfg.Improver.AutoApproveMedium)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	// Untouched keys keep their defaults.
	assert.Contains(t, cfg.AwarenessPath, "awareness.json")
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store_path: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lm:\n  base_url: http://file:1\n"), 0o644))
	t.Setenv("CONTEXTD_LM_URL", "http://env:2")
	t.Setenv("AUTO_APPROVE_HIGH", "true")
	t.Setenv("CONTEXTD_TICK_ENABLED", "not-a-bool")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env:2", cfg.LM.BaseURL)
	assert.True(t, cfg.Improver.AutoApproveHigh)
	// A garbage boolean leaves the prior value alone.
	assert.True(t, cfg.Improver.TickEnabled)
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.GetLMTimeout())
	assert.Equal(t, 5*time.Minute, cfg.GetTickInterval())
	assert.Equal(t, 30*time.Second, cfg.GetTickBudget())
	assert.Equal(t, time.Hour, cfg.GetDeepCacheTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.GetPendingTTL())

	cfg.Improver.TickInterval = "2m"
	assert.Equal(t, 2*time.Minute, cfg.GetTickInterval())

	// Garbage falls back to the default rather than failing.
	cfg.Improver.TickBudget = "soon"
	assert.Equal(t, 30*time.Second, cfg.GetTickBudget())
}
