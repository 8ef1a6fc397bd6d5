package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad store backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"etcd without endpoints", func(c *Config) { c.Store.Backend = "etcd" }},
		{"bad strategy", func(c *Config) { c.LoadBalancer.Strategy = "random" }},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }},
		{"zero probe workers", func(c *Config) { c.Health.ProbeWorkers = 0 }},
		{"zero failure threshold", func(c *Config) { c.Policy.CircuitBreaker.FailureThreshold = 0 }},
		{"zero health gate timeout", func(c *Config) { c.Deployment.HealthGateTimeout = 0 }},
		{"zero call timeout", func(c *Config) { c.Orchestrator.CallTimeout = 0 }},
		{"zero retry attempts", func(c *Config) { c.Orchestrator.RetryAttempts = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: 9090
store:
  backend: etcd
  etcd_endpoints:
    - localhost:2379
  etcd_timeout: 3s
health:
  interval: 10s
load_balancer:
  strategy: least_connections
orchestrator:
  call_timeout: 2s
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "etcd", cfg.Store.Backend)
	assert.Equal(t, []string{"localhost:2379"}, cfg.Store.EtcdEndpoints)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, "least_connections", cfg.LoadBalancer.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.CallTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields keep their defaults
	assert.Equal(t, 16, cfg.Health.ProbeWorkers)
	assert.Equal(t, 3, cfg.Orchestrator.RetryAttempts)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromFileInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -1\n"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORCH_PORT", "7070")
	t.Setenv("ORCH_LB_STRATEGY", "weighted_round_robin")
	t.Setenv("ORCH_LOG_LEVEL", "warn")

	cfg := LoadFromEnv()
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "weighted_round_robin", cfg.LoadBalancer.Strategy)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
