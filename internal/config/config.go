package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mir00r/orchestrator/internal/domain"
)

// Config represents the main configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Health       HealthConfig       `yaml:"health"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Policy       PolicyConfig       `yaml:"policy"`
	Deployment   DeploymentConfig   `yaml:"deployment"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Admin        AdminConfig        `yaml:"admin"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig selects and configures the service store backend
type StoreConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "etcd"
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	EtcdTimeout   time.Duration `yaml:"etcd_timeout"`
}

// HealthConfig contains health monitor configuration
type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeWorkers int           `yaml:"probe_workers"`
}

// LoadBalancerConfig contains the default load balancing configuration
// applied to services without a bound config of their own
type LoadBalancerConfig struct {
	Strategy string `yaml:"strategy"`
}

// PolicyConfig contains the default circuit breaker applied to targets
// without a circuit_breaker policy
type PolicyConfig struct {
	CircuitBreaker domain.CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DeploymentConfig contains deployment controller configuration
type DeploymentConfig struct {
	HealthGateTimeout time.Duration `yaml:"health_gate_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// OrchestratorConfig contains inter-service call defaults
type OrchestratorConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled           bool    `yaml:"enabled"`
	JWTSecret         string  `yaml:"jwt_secret"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Backend:     "memory",
			EtcdTimeout: 5 * time.Second,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			ProbeWorkers: 16,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy: string(domain.RoundRobinStrategy),
		},
		Policy: PolicyConfig{
			CircuitBreaker: domain.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenProbes:   3,
			},
		},
		Deployment: DeploymentConfig{
			HealthGateTimeout: 5 * time.Minute,
			PollInterval:      time.Second,
		},
		Orchestrator: OrchestratorConfig{
			CallTimeout:   10 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  100 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Admin: AdminConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables with defaults
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("ORCH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if strategy := os.Getenv("ORCH_LB_STRATEGY"); strategy != "" {
		config.LoadBalancer.Strategy = strategy
	}
	if backend := os.Getenv("ORCH_STORE_BACKEND"); backend != "" {
		config.Store.Backend = backend
	}
	if logLevel := os.Getenv("ORCH_LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}
	if secret := os.Getenv("ORCH_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}

	return config
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory":
	case "etcd":
		if len(c.Store.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd backend requires at least one endpoint")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health interval must be positive: %v", c.Health.Interval)
	}
	if c.Health.ProbeWorkers <= 0 {
		return fmt.Errorf("probe_workers must be positive: %d", c.Health.ProbeWorkers)
	}

	strategy := domain.LoadBalancingStrategy(c.LoadBalancer.Strategy)
	switch strategy {
	case domain.RoundRobinStrategy, domain.WeightedRoundRobinStrategy, domain.LeastConnectionsStrategy:
	default:
		return fmt.Errorf("unsupported load balancing strategy: %s", c.LoadBalancer.Strategy)
	}

	if c.Policy.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure_threshold must be at least 1")
	}
	if c.Policy.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker recovery_timeout must be positive")
	}

	if c.Deployment.HealthGateTimeout <= 0 {
		return fmt.Errorf("deployment health_gate_timeout must be positive")
	}
	if c.Deployment.PollInterval <= 0 {
		return fmt.Errorf("deployment poll_interval must be positive")
	}

	if c.Orchestrator.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive: %v", c.Orchestrator.CallTimeout)
	}
	if c.Orchestrator.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1: %d", c.Orchestrator.RetryAttempts)
	}

	if c.Admin.Enabled && c.Admin.RequestsPerSecond <= 0 {
		return fmt.Errorf("admin requests_per_second must be positive")
	}

	return nil
}
