package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "acc_", cfg.Auth.KeyPrefix)
	assert.InDelta(t, 0.10, cfg.Budget.EstimatedRequestCost, 1e-9)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, "enforce", cfg.Security.Policy)
	assert.Equal(t, 100*time.Millisecond, cfg.Security.SyncTimeout)
	assert.Equal(t, 120*time.Second, cfg.Upstream.UnaryTimeout)
	assert.Equal(t, 180*time.Second, cfg.Upstream.StreamTimeout)
	assert.Equal(t, 4096, cfg.Journal.QueueSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ACC_SECURITY_POLICY", "monitor")
	t.Setenv("ACC_SERVER_PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Security.Policy)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8443
security:
  policy: warn
  auto_kill: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Security.Policy)
	assert.False(t, cfg.Security.AutoKill)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown policy", mutate: func(c *Config) { c.Security.Policy = "aggressive" }},
		{name: "negative estimate", mutate: func(c *Config) { c.Budget.EstimatedRequestCost = -1 }},
		{name: "zero journal queue", mutate: func(c *Config) { c.Journal.QueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
