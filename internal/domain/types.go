package domain

import (
	"sync"
	"sync/atomic"
	"time"
)

// HealthState represents the health state of a service instance
type HealthState int

const (
	// StateStarting indicates the instance has been provisioned but has not
	// yet passed a health probe; it is not eligible for routing
	StateStarting HealthState = iota
	// StateHealthy indicates the instance is healthy and routable
	StateHealthy
	// StateUnhealthy indicates the instance failed consecutive probes and
	// should not receive traffic
	StateUnhealthy
	// StateStopping indicates the instance is being torn down
	StateStopping
)

// String returns the string representation of HealthState
func (s HealthState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ResourceAllocation is the resource envelope declared by a service
type ResourceAllocation struct {
	CPURequest      float64 `json:"cpu_request" yaml:"cpu_request"`
	CPULimit        float64 `json:"cpu_limit" yaml:"cpu_limit"`
	MemoryRequestMB int     `json:"memory_request_mb" yaml:"memory_request_mb"`
	MemoryLimitMB   int     `json:"memory_limit_mb" yaml:"memory_limit_mb"`
	DiskMB          int     `json:"disk_mb" yaml:"disk_mb"`
	NetworkMbps     int     `json:"network_mbps" yaml:"network_mbps"`
}

// Endpoint describes one exposed endpoint of a service
type Endpoint struct {
	Path         string        `json:"path" yaml:"path"`
	Method       string        `json:"method" yaml:"method"`
	RateLimit    int           `json:"rate_limit" yaml:"rate_limit"`
	AuthRequired bool          `json:"auth_required" yaml:"auth_required"`
	Cacheable    bool          `json:"cacheable" yaml:"cacheable"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
}

// HealthCheckSpec describes how instances of a service are probed
type HealthCheckSpec struct {
	Path             string        `json:"path" yaml:"path"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
}

// Service is a logical unit of deployment. The instance list itself lives in
// the registry; Service holds only the declared configuration.
type Service struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Version      string             `json:"version" yaml:"version"`
	Dependencies []string           `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Resources    ResourceAllocation `json:"resources" yaml:"resources"`
	Endpoints    []Endpoint         `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
	HealthCheck  HealthCheckSpec    `json:"health_check" yaml:"health_check"`
}

// NewService creates a Service with default health check settings
func NewService(id, name, version string) *Service {
	return &Service{
		ID:      id,
		Name:    name,
		Version: version,
		HealthCheck: HealthCheckSpec{
			Path:             "/health",
			Interval:         30 * time.Second,
			Timeout:          5 * time.Second,
			SuccessThreshold: 2,
			FailureThreshold: 3,
		},
	}
}

// Endpoint returns the endpoint declaration matching path, if any
func (s *Service) Endpoint(path string) (Endpoint, bool) {
	for _, ep := range s.Endpoints {
		if ep.Path == path {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// ResourceUsage is a point-in-time usage sample for an instance
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	NetworkConns  int64   `json:"network_conns"`
}

// Instance is one running replica of a service.
//
// Health state and probe counters are owned by the health monitor; usage is
// fed by the metrics source; the connection counter is touched on the request
// path. All of them are safe for concurrent access.
type Instance struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"service_id"`
	Node      string    `json:"node"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`

	// Runtime state
	activeConnections int64
	state             HealthState
	usage             ResourceUsage
	lastHealthCheck   time.Time
	consecutiveOK     int
	consecutiveFail   int
	mu                sync.RWMutex
}

// NewInstance creates an instance in the starting state
func NewInstance(id, serviceID, node, version string) *Instance {
	return &Instance{
		ID:        id,
		ServiceID: serviceID,
		Node:      node,
		Version:   version,
		StartedAt: time.Now(),
		state:     StateStarting,
	}
}

// IncrementConnections atomically increments the active connection count
func (i *Instance) IncrementConnections() {
	atomic.AddInt64(&i.activeConnections, 1)
}

// DecrementConnections atomically decrements the active connection count
func (i *Instance) DecrementConnections() {
	atomic.AddInt64(&i.activeConnections, -1)
}

// ActiveConnections returns the current number of active connections
func (i *Instance) ActiveConnections() int64 {
	return atomic.LoadInt64(&i.activeConnections)
}

// State returns the current health state
func (i *Instance) State() HealthState {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState updates the health state
func (i *Instance) SetState(state HealthState) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
}

// IsHealthy returns true if the instance is routable
func (i *Instance) IsHealthy() bool {
	return i.State() == StateHealthy
}

// Usage returns the most recent resource usage sample
func (i *Instance) Usage() ResourceUsage {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.usage
}

// SetUsage records a resource usage sample
func (i *Instance) SetUsage(usage ResourceUsage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.usage = usage
}

// LastHealthCheck returns the timestamp of the last probe
func (i *Instance) LastHealthCheck() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastHealthCheck
}

// RecordProbeSuccess records a successful probe and returns the consecutive
// success count
func (i *Instance) RecordProbeSuccess() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHealthCheck = time.Now()
	i.consecutiveFail = 0
	i.consecutiveOK++
	return i.consecutiveOK
}

// RecordProbeFailure records a failed probe and returns the consecutive
// failure count
func (i *Instance) RecordProbeFailure() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastHealthCheck = time.Now()
	i.consecutiveOK = 0
	i.consecutiveFail++
	return i.consecutiveFail
}

// Uptime returns how long the instance has been running
func (i *Instance) Uptime() time.Duration {
	return time.Since(i.StartedAt)
}

// LoadBalancingStrategy defines the strategy for selecting instances
type LoadBalancingStrategy string

const (
	// RoundRobinStrategy cycles deterministically through healthy instances
	RoundRobinStrategy LoadBalancingStrategy = "round_robin"
	// LeastConnectionsStrategy routes to the instance with the fewest
	// active connections
	LeastConnectionsStrategy LoadBalancingStrategy = "least_connections"
	// WeightedRoundRobinStrategy weights instances inversely to CPU load
	WeightedRoundRobinStrategy LoadBalancingStrategy = "weighted_round_robin"
)

// CircuitBreakerConfig defines configuration for the per-target breaker
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenProbes   int           `json:"half_open_probes" yaml:"half_open_probes"`
}

// LoadBalancerConfig is bound to one or more services
type LoadBalancerConfig struct {
	Strategy            LoadBalancingStrategy `json:"strategy" yaml:"strategy"`
	SessionAffinity     bool                  `json:"session_affinity" yaml:"session_affinity"`
	HealthCheckInterval time.Duration         `json:"health_check_interval" yaml:"health_check_interval"`
	ConnectTimeout      time.Duration         `json:"connect_timeout" yaml:"connect_timeout"`
	RetryCount          int                   `json:"retry_count" yaml:"retry_count"`
	CircuitBreaker      CircuitBreakerConfig  `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// PolicyKind enumerates the rule kinds the policy engine evaluates
type PolicyKind string

const (
	PolicyRetry          PolicyKind = "retry"
	PolicyTimeout        PolicyKind = "timeout"
	PolicyRateLimit      PolicyKind = "rate_limit"
	PolicyCircuitBreaker PolicyKind = "circuit_breaker"
	PolicyAuthorization  PolicyKind = "authorization"
)

// PolicyTargetAll matches every service
const PolicyTargetAll = "*"

// Policy is a named rule evaluated per call. Config keys depend on Kind:
// authorization uses "action" (allow|deny) and "sources"; rate_limit uses
// "requests_per_second" and "burst"; retry uses "max_attempts"; timeout uses
// "duration"; circuit_breaker uses the CircuitBreakerConfig field names.
type Policy struct {
	Name    string                 `json:"name" yaml:"name"`
	Kind    PolicyKind             `json:"kind" yaml:"kind"`
	Target  string                 `json:"target" yaml:"target"`
	Config  map[string]interface{} `json:"config" yaml:"config"`
	Enabled bool                   `json:"enabled" yaml:"enabled"`
}

// Matches returns true if the policy applies to the given service
func (p *Policy) Matches(serviceID string) bool {
	return p.Enabled && (p.Target == PolicyTargetAll || p.Target == serviceID)
}

// DeploymentStrategy enumerates rollout strategies
type DeploymentStrategy string

const (
	RollingUpdateStrategy DeploymentStrategy = "rolling_update"
	BlueGreenStrategy     DeploymentStrategy = "blue_green"
	CanaryStrategy        DeploymentStrategy = "canary"
)

// DeploymentStatus enumerates the deployment state machine states
type DeploymentStatus string

const (
	DeploymentPending    DeploymentStatus = "pending"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentCompleted  DeploymentStatus = "completed"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// Terminal returns true once the deployment can no longer make progress
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentFailed, DeploymentRolledBack:
		return true
	}
	return false
}

// CanarySettings controls the canary cutover step
type CanarySettings struct {
	TrafficPercent   int           `json:"traffic_percent" yaml:"traffic_percent"`
	Window           time.Duration `json:"window" yaml:"window"`
	MinSuccessRate   float64       `json:"min_success_rate" yaml:"min_success_rate"`
	MaxAvgResponseMs float64       `json:"max_avg_response_ms" yaml:"max_avg_response_ms"`
	MaxErrorRate     float64       `json:"max_error_rate" yaml:"max_error_rate"`
}

// DeploymentConfig is the configuration being deployed
type DeploymentConfig struct {
	Service *Service       `json:"service"`
	Canary  CanarySettings `json:"canary,omitempty"`
}

// DeploymentRecord is one rollout attempt. Records are never reused; once
// the status is terminal it stays terminal.
type DeploymentRecord struct {
	ID              string             `json:"id"`
	ServiceID       string             `json:"service_id"`
	TargetVersion   string             `json:"target_version"`
	Strategy        DeploymentStrategy `json:"strategy"`
	Status          DeploymentStatus   `json:"status"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      *time.Time         `json:"finished_at,omitempty"`
	Config          DeploymentConfig   `json:"config"`
	RollbackVersion string             `json:"rollback_version,omitempty"`
	FailureReason   string             `json:"failure_reason,omitempty"`
}

// ScalingThresholds pairs the CPU and memory trigger levels
type ScalingThresholds struct {
	CPUPercent    float64 `json:"cpu_percent" yaml:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent" yaml:"memory_percent"`
}

// AutoScalingPolicy drives the auto-scaler control loop for one service
type AutoScalingPolicy struct {
	ServiceID     string            `json:"service_id" yaml:"service_id"`
	MinInstances  int               `json:"min_instances" yaml:"min_instances"`
	MaxInstances  int               `json:"max_instances" yaml:"max_instances"`
	ScaleUp       ScalingThresholds `json:"scale_up" yaml:"scale_up"`
	ScaleDown     ScalingThresholds `json:"scale_down" yaml:"scale_down"`
	CheckInterval time.Duration     `json:"check_interval" yaml:"check_interval"`
}
