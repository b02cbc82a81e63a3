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

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "knowledge", cfg.Retriever.Collection)
	assert.True(t, cfg.Retriever.UseHybrid)
	assert.Equal(t, 5, cfg.Gateway.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Gateway.RecoveryTimeout)
	assert.Equal(t, 5, cfg.Orchestrator.PoolSize)
	assert.Equal(t, time.Minute, cfg.Orchestrator.RequestTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Research.RunTimeout)
	assert.Equal(t, "quorra", cfg.Telemetry.ServiceName)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
redis:
  enabled: true
  addr: "redis:6379"
llm:
  providers:
    - base_url: "https://api.example.com/v1"
      api_key: "k1"
      model: "gpt-4o-mini"
      timeout: 30s
    - base_url: "http://localhost:11434/v1"
      model: "llama3"
orchestrator:
  request_timeout: 90s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Len(t, cfg.LLM.Providers, 2)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Providers[0].Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Providers[0].Timeout)
	assert.Equal(t, 90*time.Second, cfg.Orchestrator.RequestTimeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Orchestrator.PoolSize)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("QUORRA_SERVER_ADDR", ":7070")
	t.Setenv("QUORRA_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
