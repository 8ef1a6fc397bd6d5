// Package scaler runs one closed control loop per auto-scaled service,
// keeping instance counts within the bounds of the service's
// AutoScalingPolicy.
//
// The scaler owns instance-count changes outside deployments. It never
// marks an instance healthy: new instances start in the starting state and
// become routable only after the health monitor probes them. It skips any
// tick where a deployment holds the service.
package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// AutoScaler manages the per-service scaling loops
type AutoScaler struct {
	registry    *registry.Registry
	provisioner domain.Provisioner
	metrics     domain.MetricsSource
	logger      *logger.Logger

	mu    sync.Mutex
	loops map[string]chan struct{}
	wg    sync.WaitGroup
}

// New creates an auto-scaler
func New(reg *registry.Registry, prov domain.Provisioner, metrics domain.MetricsSource, log *logger.Logger) *AutoScaler {
	return &AutoScaler{
		registry:    reg,
		provisioner: prov,
		metrics:     metrics,
		logger:      log.AutoScalerLogger(),
		loops:       make(map[string]chan struct{}),
	}
}

// Enable starts (or restarts) the scaling loop for a service
func (a *AutoScaler) Enable(ctx context.Context, policy domain.AutoScalingPolicy) error {
	if policy.MinInstances < 1 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "auto_scaler", "min_instances must be at least 1")
	}
	if policy.MaxInstances < policy.MinInstances {
		return errors.NewError(errors.ErrCodeInvalidConfig, "auto_scaler", "max_instances must be >= min_instances")
	}
	if policy.CheckInterval <= 0 {
		policy.CheckInterval = 30 * time.Second
	}
	if _, err := a.registry.GetService(policy.ServiceID); err != nil {
		return err
	}

	a.mu.Lock()
	if stop, exists := a.loops[policy.ServiceID]; exists {
		close(stop)
	}
	stop := make(chan struct{})
	a.loops[policy.ServiceID] = stop
	a.mu.Unlock()

	a.wg.Add(1)
	go a.loop(ctx, policy, stop)

	a.logger.WithField("service_id", policy.ServiceID).
		WithField("min", policy.MinInstances).
		WithField("max", policy.MaxInstances).
		Info("Auto-scaling enabled")
	return nil
}

// Disable stops the scaling loop for a service
func (a *AutoScaler) Disable(serviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if stop, exists := a.loops[serviceID]; exists {
		close(stop)
		delete(a.loops, serviceID)
		a.logger.WithField("service_id", serviceID).Info("Auto-scaling disabled")
	}
}

// Enabled reports whether a scaling loop is active for the service
func (a *AutoScaler) Enabled(serviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.loops[serviceID]
	return exists
}

// Stop halts all scaling loops
func (a *AutoScaler) Stop() {
	a.mu.Lock()
	for id, stop := range a.loops {
		close(stop)
		delete(a.loops, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *AutoScaler) loop(ctx context.Context, policy domain.AutoScalingPolicy, stop chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			a.Evaluate(ctx, policy)
		}
	}
}

// Evaluate runs one control-loop tick. At most one instance is added or
// removed; never both in the same tick.
func (a *AutoScaler) Evaluate(ctx context.Context, policy domain.AutoScalingPolicy) {
	log := a.logger.ServiceLogger(policy.ServiceID)

	// Cross-component writes during a rollout are prevented by the
	// deployment guard.
	if a.registry.DeploymentInProgress(policy.ServiceID) {
		log.Debug("Skipping scaling tick: deployment in progress")
		return
	}

	service, err := a.registry.GetService(policy.ServiceID)
	if err != nil {
		return
	}
	instances, err := a.registry.ListInstances(policy.ServiceID)
	if err != nil {
		return
	}

	active := make([]*domain.Instance, 0, len(instances))
	for _, instance := range instances {
		if instance.State() != domain.StateStopping {
			active = append(active, instance)
		}
	}
	count := len(active)

	if count < policy.MinInstances {
		a.scaleUp(ctx, service, log)
		return
	}

	avgCPU, avgMem := a.averageUsage(active)
	log.WithField("instances", count).
		WithField("avg_cpu_percent", avgCPU).
		WithField("avg_memory_percent", avgMem).
		Debug("Scaling tick")

	switch {
	case (avgCPU > policy.ScaleUp.CPUPercent || avgMem > policy.ScaleUp.MemoryPercent) && count < policy.MaxInstances:
		a.scaleUp(ctx, service, log)

	case avgCPU < policy.ScaleDown.CPUPercent && avgMem < policy.ScaleDown.MemoryPercent && count > policy.MinInstances:
		a.scaleDown(ctx, active, log)
	}
}

// averageUsage refreshes usage samples from the metrics source and returns
// the per-service averages
func (a *AutoScaler) averageUsage(instances []*domain.Instance) (avgCPU, avgMem float64) {
	if len(instances) == 0 {
		return 0, 0
	}

	var cpu, mem float64
	for _, instance := range instances {
		if usage, ok := a.metrics.Usage(instance.ID); ok {
			instance.SetUsage(usage)
		}
		usage := instance.Usage()
		cpu += usage.CPUPercent
		mem += usage.MemoryPercent
	}
	return cpu / float64(len(instances)), mem / float64(len(instances))
}

// scaleUp provisions exactly one instance. A provisioning failure is logged
// and not counted; the next tick re-evaluates the trigger.
func (a *AutoScaler) scaleUp(ctx context.Context, service *domain.Service, log *logger.Logger) {
	instance, err := a.provisioner.Provision(ctx, service, service.Version)
	if err != nil {
		log.WithError(err).Warn("Scale-up provisioning failed")
		return
	}
	instance.SetState(domain.StateStarting)

	if err := a.registry.AddInstance(ctx, service.ID, instance); err != nil {
		log.WithError(err).Warn("Failed to register scaled-up instance")
		if termErr := a.provisioner.Terminate(ctx, instance.ID); termErr != nil {
			log.WithError(termErr).Warn("Failed to terminate orphaned instance")
		}
		return
	}

	log.WithField("instance_id", instance.ID).Info("Scaled up by one instance")
}

// scaleDown removes the instance with the lowest uptime, protecting warmed,
// stable instances
func (a *AutoScaler) scaleDown(ctx context.Context, instances []*domain.Instance, log *logger.Logger) {
	newest := instances[0]
	for _, instance := range instances[1:] {
		if instance.StartedAt.After(newest.StartedAt) {
			newest = instance
		}
	}

	newest.SetState(domain.StateStopping)
	if err := a.registry.RemoveInstance(ctx, newest.ServiceID, newest.ID); err != nil {
		log.WithError(err).Warn("Failed to remove instance during scale-down")
		return
	}
	if err := a.provisioner.Terminate(ctx, newest.ID); err != nil {
		log.WithError(err).Warn("Failed to terminate scaled-down instance")
	}

	log.WithField("instance_id", newest.ID).Info("Scaled down by one instance")
}
