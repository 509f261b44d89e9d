package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Bus.URL)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.TTL)
	assert.Equal(t, 4, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, 0.05, cfg.Orchestrator.PlateauDelta)
	assert.Equal(t, 0.05, cfg.Router.EpsilonMin)
	assert.Equal(t, 0.3, cfg.Router.EpsilonMax)
	assert.Equal(t, 4, cfg.Agent.Workers)
	assert.Equal(t, 1024, cfg.Agent.DedupeSize)
	assert.Equal(t, "frontend_broadcast", cfg.Channels.Frontend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_URL", "redis://bus:6380")
	t.Setenv("HEARTBEAT_INTERVAL_SEC", "10")
	t.Setenv("HEARTBEAT_TTL_SEC", "30")
	t.Setenv("MAX_ROUNDS", "6")
	t.Setenv("REQUIRED_AGENTS", "a, b ,c")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://bus:6380", cfg.Bus.URL)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.TTL)
	assert.Equal(t, 6, cfg.Orchestrator.MaxRounds)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Heartbeat.Required)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "killswitch.yaml")
	data := []byte("gateway:\n  addr: \":9100\"\n  send_queue: 64\norchestrator:\n  max_rounds: 8\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Gateway.Addr)
	assert.Equal(t, 64, cfg.Gateway.SendQueue)
	assert.Equal(t, 8, cfg.Orchestrator.MaxRounds)
	// Untouched sections keep env/default values.
	assert.Equal(t, "redis://localhost:6379", cfg.Bus.URL)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty bus url", func(c *Config) { c.Bus.URL = "" }},
		{"ttl below interval", func(c *Config) { c.Heartbeat.TTL = c.Heartbeat.Interval / 2 }},
		{"zero rounds", func(c *Config) { c.Orchestrator.MaxRounds = 0 }},
		{"plateau out of range", func(c *Config) { c.Orchestrator.PlateauDelta = 1.5 }},
		{"epsilon inverted", func(c *Config) { c.Router.EpsilonMin = 0.5; c.Router.EpsilonMax = 0.1 }},
		{"no workers", func(c *Config) { c.Agent.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/killswitch.yaml")
	assert.Error(t, err)
}
