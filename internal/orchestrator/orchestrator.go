// Package orchestrator composes the registry, health monitor, load
// balancer, policy engine, auto-scaler and deployment controller behind a
// single facade. Handlers and embedders talk to this type only.
package orchestrator

import (
	"context"
	"time"

	"github.com/mir00r/orchestrator/internal/balancer"
	"github.com/mir00r/orchestrator/internal/deploy"
	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/health"
	"github.com/mir00r/orchestrator/internal/metrics"
	"github.com/mir00r/orchestrator/internal/policy"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/internal/scaler"
	"github.com/mir00r/orchestrator/internal/store"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// Config holds the orchestrator-level call defaults
type Config struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// Orchestrator wires the components together
type Orchestrator struct {
	config Config
	logger *logger.Logger

	registry    *registry.Registry
	monitor     *health.Monitor
	balancer    *balancer.LoadBalancer
	policies    *policy.Engine
	scaler      *scaler.AutoScaler
	deployments *deploy.Controller
	callMetrics *metrics.CallMetrics
	collectors  *metrics.Collectors

	caller    domain.Caller
	startedAt time.Time
}

// Dependencies are the externally supplied collaborators
type Dependencies struct {
	Store       store.ServiceStore
	Provisioner domain.Provisioner
	Prober      domain.Prober
	Metrics     domain.MetricsSource
	Caller      domain.Caller
}

// Options configures the managed components
type Options struct {
	Orchestrator   Config
	Health         health.Config
	Deploy         deploy.Config
	Balancer       domain.LoadBalancerConfig
	DefaultBreaker domain.CircuitBreakerConfig
}

// New builds an orchestrator from its dependencies
func New(opts Options, deps Dependencies, log *logger.Logger) *Orchestrator {
	if opts.Orchestrator.CallTimeout <= 0 {
		opts.Orchestrator.CallTimeout = 10 * time.Second
	}
	if opts.Orchestrator.RetryAttempts < 1 {
		opts.Orchestrator.RetryAttempts = 1
	}
	if opts.Orchestrator.RetryBackoff <= 0 {
		opts.Orchestrator.RetryBackoff = 100 * time.Millisecond
	}

	reg := registry.New(deps.Store, log)
	callMetrics := metrics.NewCallMetrics()
	lb := balancer.New(reg, opts.Balancer, log)

	return &Orchestrator{
		config:      opts.Orchestrator,
		logger:      log,
		registry:    reg,
		monitor:     health.NewMonitor(opts.Health, reg, deps.Prober, log),
		balancer:    lb,
		policies:    policy.NewEngine(opts.DefaultBreaker, log),
		scaler:      scaler.New(reg, deps.Provisioner, deps.Metrics, log),
		deployments: deploy.NewController(opts.Deploy, reg, deps.Provisioner, callMetrics, lb, log),
		callMetrics: callMetrics,
		collectors:  metrics.NewCollectors(),
		caller:      deps.Caller,
	}
}

// Start launches the background loops
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startedAt = time.Now()
	return o.monitor.Start(ctx)
}

// Stop halts the background loops and waits for them to exit
func (o *Orchestrator) Stop() {
	o.scaler.Stop()
	o.monitor.Stop()
}

// Registry exposes the service registry
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Monitor exposes the health monitor
func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }

// Balancer exposes the load balancer
func (o *Orchestrator) Balancer() *balancer.LoadBalancer { return o.balancer }

// Policies exposes the policy engine
func (o *Orchestrator) Policies() *policy.Engine { return o.policies }

// Collectors exposes the prometheus collectors
func (o *Orchestrator) Collectors() *metrics.Collectors { return o.collectors }

// RegisterService adds or replaces a service definition
func (o *Orchestrator) RegisterService(ctx context.Context, service *domain.Service) error {
	return o.registry.Register(ctx, service)
}

// DeployService starts a deployment of targetVersion for a service
func (o *Orchestrator) DeployService(ctx context.Context, serviceID, targetVersion string, strategy domain.DeploymentStrategy, config domain.DeploymentConfig) (*domain.DeploymentRecord, error) {
	return o.deployments.Submit(ctx, serviceID, targetVersion, strategy, config)
}

// GetDeploymentStatus returns the current record for a deployment
func (o *Orchestrator) GetDeploymentStatus(deploymentID string) (*domain.DeploymentRecord, error) {
	return o.deployments.Get(deploymentID)
}

// CancelDeployment aborts an in-progress deployment
func (o *Orchestrator) CancelDeployment(deploymentID string) error {
	return o.deployments.Cancel(deploymentID)
}

// RollbackDeployment starts a rollback toward the version recorded when the
// deployment was submitted
func (o *Orchestrator) RollbackDeployment(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	return o.deployments.Rollback(ctx, deploymentID)
}

// EnableAutoScaling starts the scaling loop for a service
func (o *Orchestrator) EnableAutoScaling(ctx context.Context, policy domain.AutoScalingPolicy) error {
	return o.scaler.Enable(ctx, policy)
}

// DisableAutoScaling stops the scaling loop for a service
func (o *Orchestrator) DisableAutoScaling(serviceID string) {
	o.scaler.Disable(serviceID)
}

// CallService routes one inter-service call: policy gate, instance
// selection, invocation with per-target timeout and retry budget. A
// CallResult is always returned; err is non-nil only alongside it so
// callers can branch on the policy error code.
func (o *Orchestrator) CallService(ctx context.Context, sourceService, targetService, endpoint string, payload map[string]interface{}) (*domain.CallResult, error) {
	start := time.Now()

	if err := o.policies.Authorize(sourceService, targetService, endpoint); err != nil {
		return o.finishCall(targetService, start, nil, err)
	}

	service, err := o.registry.GetService(targetService)
	if err != nil {
		return o.finishCall(targetService, start, nil, err)
	}
	if _, ok := service.Endpoint(endpoint); !ok {
		err := errors.NewError(errors.ErrCodeNotFound, "orchestrator",
			"service '"+targetService+"' has no endpoint '"+endpoint+"'")
		return o.finishCall(targetService, start, nil, err)
	}

	// Per-call knobs resolve policy first, then the service's bound
	// balancer config, then the orchestrator defaults.
	lbConfig := o.balancer.ConfigFor(targetService)
	retryFallback := o.config.RetryAttempts
	if lbConfig.RetryCount > 0 {
		retryFallback = lbConfig.RetryCount
	}
	timeoutFallback := o.config.CallTimeout
	if lbConfig.ConnectTimeout > 0 {
		timeoutFallback = lbConfig.ConnectTimeout
	}

	attempts := o.policies.RetryAttempts(targetService, retryFallback)
	timeout := o.policies.CallTimeout(targetService, timeoutFallback)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return o.finishCall(targetService, start, nil, ctx.Err())
			case <-time.After(o.config.RetryBackoff):
			}
		}

		instance, err := o.balancer.SelectInstanceFor(targetService, sourceService)
		if err != nil {
			lastErr = err
			continue
		}

		response, err := o.invoke(ctx, instance, endpoint, payload, timeout)
		if err != nil {
			o.policies.RecordFailure(targetService)
			lastErr = err
			continue
		}

		o.policies.RecordSuccess(targetService)
		return o.finishCall(targetService, start, response, nil)
	}

	if lastErr == nil {
		lastErr = errors.NewNoHealthyInstanceError(targetService)
	}
	return o.finishCall(targetService, start, nil, lastErr)
}

// invoke performs one attempt against one instance, tracking its active
// connection count for the least-connections strategy
func (o *Orchestrator) invoke(ctx context.Context, instance *domain.Instance, endpoint string, payload map[string]interface{}, timeout time.Duration) (*domain.CallResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	instance.IncrementConnections()
	defer instance.DecrementConnections()

	return o.caller.Call(callCtx, instance, endpoint, payload)
}

// finishCall builds the CallResult and records the outcome in the call
// metrics, the prometheus collectors and nowhere else
func (o *Orchestrator) finishCall(targetService string, start time.Time, response *domain.CallResponse, err error) (*domain.CallResult, error) {
	elapsed := time.Since(start)
	success := err == nil

	o.callMetrics.RecordCall(targetService, elapsed, success)
	o.collectors.ObserveCall(targetService, elapsed, success)

	result := &domain.CallResult{
		Success:      success,
		ResponseTime: elapsed,
		ResponseMs:   elapsed.Milliseconds(),
	}
	if response != nil {
		result.Data = response.Data
	}
	if err != nil {
		result.Error = errors.Reason(err)
	}
	return result, err
}

// SystemOverview is a point-in-time snapshot of the whole system
type SystemOverview struct {
	Timestamp        time.Time            `json:"timestamp"`
	UptimeSeconds    float64              `json:"uptime_seconds"`
	Services         int                  `json:"services"`
	HealthyServices  int                  `json:"healthy_services"`
	Instances        int                  `json:"instances"`
	HealthyInstances int                  `json:"healthy_instances"`
	TotalCalls       int64                `json:"total_calls"`
	AvgResponseMs    float64              `json:"avg_response_ms"`
	ErrorRatePercent float64              `json:"error_rate_percent"`
	AvgCPUPercent    float64              `json:"avg_cpu_percent"`
	AvgMemoryPercent float64              `json:"avg_memory_percent"`
	ServiceHealth    map[string]string    `json:"service_health"`
	CallStats        map[string]CallStats `json:"call_stats"`
}

// CallStats mirrors the per-service call counters in the overview
type CallStats struct {
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorsPercent float64 `json:"error_rate_percent"`
}

// GetSystemOverview assembles the overview snapshot. It reads state only
// and is safe to call at any frequency.
func (o *Orchestrator) GetSystemOverview() *SystemOverview {
	services, healthyServices, instances, healthyInstances := o.registry.Counts()
	totals := o.callMetrics.Totals()

	overview := &SystemOverview{
		Timestamp:        time.Now(),
		Services:         services,
		HealthyServices:  healthyServices,
		Instances:        instances,
		HealthyInstances: healthyInstances,
		TotalCalls:       totals.Requests,
		AvgResponseMs:    totals.AvgLatencyMs,
		ErrorRatePercent: totals.ErrorRate(),
		ServiceHealth:    make(map[string]string),
		CallStats:        make(map[string]CallStats),
	}
	if !o.startedAt.IsZero() {
		overview.UptimeSeconds = time.Since(o.startedAt).Seconds()
	}

	var cpu, mem float64
	var sampled int
	for _, service := range o.registry.ListServices() {
		all, err := o.registry.ListInstances(service.ID)
		if err != nil {
			continue
		}

		healthy := 0
		byState := make(map[string]int)
		for _, instance := range all {
			if instance.IsHealthy() {
				healthy++
			}
			usage := instance.Usage()
			cpu += usage.CPUPercent
			mem += usage.MemoryPercent
			sampled++
			byState[instance.State().String()]++
		}
		for state, count := range byState {
			o.collectors.SetInstances(service.ID, state, float64(count))
		}

		switch {
		case len(all) == 0:
			overview.ServiceHealth[service.ID] = "no_instances"
		case healthy == len(all):
			overview.ServiceHealth[service.ID] = "healthy"
		case healthy > 0:
			overview.ServiceHealth[service.ID] = "degraded"
		default:
			overview.ServiceHealth[service.ID] = "unhealthy"
		}

		if stats := o.callMetrics.ServiceStats(service.ID); stats.Requests > 0 {
			overview.CallStats[service.ID] = CallStats{
				Requests:      stats.Requests,
				Errors:        stats.Errors,
				SuccessRate:   stats.SuccessRate,
				AvgLatencyMs:  stats.AvgLatencyMs,
				ErrorsPercent: stats.ErrorRate(),
			}
		}
	}
	if sampled > 0 {
		overview.AvgCPUPercent = cpu / float64(sampled)
		overview.AvgMemoryPercent = mem / float64(sampled)
	}

	return overview
}
