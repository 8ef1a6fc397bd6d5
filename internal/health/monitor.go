// Package health runs the probe loop that drives instance health state.
//
// Health-state transitions are owned exclusively by this package: a starting
// instance becomes healthy on its first successful probe, healthy to
// unhealthy requires FailureThreshold consecutive failures and the reverse
// requires SuccessThreshold consecutive successes. The hysteresis prevents
// flapping.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// Config holds health monitor configuration
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeWorkers int           `yaml:"probe_workers"`
}

// Monitor periodically probes all registered instances
type Monitor struct {
	config   Config
	registry *registry.Registry
	prober   domain.Prober
	logger   *logger.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewMonitor creates a health monitor over the given registry
func NewMonitor(config Config, reg *registry.Registry, prober domain.Prober, log *logger.Logger) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.ProbeWorkers <= 0 {
		config.ProbeWorkers = 16
	}
	return &Monitor{
		config:   config,
		registry: reg,
		prober:   prober,
		logger:   log.HealthMonitorLogger(),
		stopChan: make(chan struct{}),
	}
}

// Start begins the periodic probe loop
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	m.isRunning = true
	m.logger.Infof("Starting health monitor with interval %v", m.config.Interval)

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop halts the probe loop and waits for in-flight probes
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.isRunning = false
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("Health monitor stopped")
}

// IsRunning returns true if the probe loop is active
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	// Initial sweep so freshly registered instances are not stuck in
	// starting for a full interval
	m.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Probe loop stopped due to context cancellation")
			return
		case <-m.stopChan:
			m.logger.Debug("Probe loop stopped")
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow performs one probe sweep over all registered instances. Probes
// run concurrently, bounded by the configured worker limit; one instance's
// failure never blocks the others.
func (m *Monitor) CheckNow(ctx context.Context) {
	sem := make(chan struct{}, m.config.ProbeWorkers)
	var sweep sync.WaitGroup

	for _, service := range m.registry.ListServices() {
		instances, err := m.registry.ListInstances(service.ID)
		if err != nil {
			continue
		}
		for _, instance := range instances {
			if instance.State() == domain.StateStopping {
				continue
			}

			sweep.Add(1)
			sem <- struct{}{}
			go func(svc *domain.Service, inst *domain.Instance) {
				defer sweep.Done()
				defer func() { <-sem }()
				m.checkInstance(ctx, svc, inst)
			}(service, instance)
		}
	}

	sweep.Wait()
}

// checkInstance probes one instance and applies the threshold transitions
func (m *Monitor) checkInstance(ctx context.Context, service *domain.Service, instance *domain.Instance) {
	spec := service.HealthCheck
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := m.logger.InstanceLogger(service.ID, instance.ID)

	if err := m.prober.Probe(probeCtx, service, instance); err != nil {
		failures := instance.RecordProbeFailure()
		log.WithError(err).WithField("consecutive_failures", failures).
			Debug("Health probe failed")

		threshold := spec.FailureThreshold
		if threshold <= 0 {
			threshold = 3
		}
		if instance.State() == domain.StateHealthy && failures >= threshold {
			instance.SetState(domain.StateUnhealthy)
			log.Warn("Instance marked unhealthy after repeated probe failures")
		}
		return
	}

	successes := instance.RecordProbeSuccess()

	switch instance.State() {
	case domain.StateStarting:
		// A new instance is routable as soon as one probe passes
		instance.SetState(domain.StateHealthy)
		log.Info("Instance passed first probe and is now healthy")
	case domain.StateUnhealthy:
		threshold := spec.SuccessThreshold
		if threshold <= 0 {
			threshold = 2
		}
		if successes >= threshold {
			instance.SetState(domain.StateHealthy)
			log.Info("Instance recovered and marked healthy")
		}
	}
}
