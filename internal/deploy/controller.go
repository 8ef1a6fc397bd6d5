// Package deploy drives staged rollouts: provision new-version instances,
// gate on health, cut traffic over, then validate.
//
// Each DeploymentRecord is a single attempt moving pending -> in_progress ->
// {completed | failed | rolled_back}. Terminal records stay terminal and are
// never reused. A failure at any step tears down the instances that attempt
// created, so no half-migrated state is ever reachable by new traffic.
// Rollback is an explicit operator call, never automatic.
package deploy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/metrics"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// Config holds deployment controller configuration
type Config struct {
	HealthGateTimeout time.Duration `yaml:"health_gate_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// TrafficShaper biases instance selection toward the canary set while a
// canary window is open. The load balancer implements it.
type TrafficShaper interface {
	SetCanarySplit(serviceID string, instanceIDs []string, percent int)
	ClearCanarySplit(serviceID string)
}

// Controller owns the deployment workflow for all services
type Controller struct {
	config      Config
	registry    *registry.Registry
	provisioner domain.Provisioner
	callMetrics *metrics.CallMetrics
	shaper      TrafficShaper
	logger      *logger.Logger

	mu      sync.RWMutex
	records map[string]*domain.DeploymentRecord
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
	seq     uint64
}

// NewController creates a deployment controller
func NewController(config Config, reg *registry.Registry, prov domain.Provisioner, callMetrics *metrics.CallMetrics, shaper TrafficShaper, log *logger.Logger) *Controller {
	if config.HealthGateTimeout <= 0 {
		config.HealthGateTimeout = 5 * time.Minute
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Controller{
		config:      config,
		registry:    reg,
		provisioner: prov,
		callMetrics: callMetrics,
		shaper:      shaper,
		logger:      log,
		records:     make(map[string]*domain.DeploymentRecord),
		cancels:     make(map[string]context.CancelFunc),
		done:        make(map[string]chan struct{}),
	}
}

// Submit requests a rollout of targetVersion for a service. The record
// moves to in_progress immediately; the staged workflow runs in the
// background and is queryable via Get throughout.
func (c *Controller) Submit(ctx context.Context, serviceID, targetVersion string, strategy domain.DeploymentStrategy, config domain.DeploymentConfig) (*domain.DeploymentRecord, error) {
	switch strategy {
	case domain.RollingUpdateStrategy, domain.BlueGreenStrategy, domain.CanaryStrategy:
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "deployment",
			"unsupported deployment strategy: "+string(strategy))
	}

	service, err := c.registry.GetService(serviceID)
	if err != nil {
		return nil, err
	}

	// One deployment per service at a time; the guard also fences off the
	// auto-scaler for the duration.
	if err := c.registry.BeginDeployment(serviceID); err != nil {
		return nil, err
	}

	record := &domain.DeploymentRecord{
		ID:              c.nextID(),
		ServiceID:       serviceID,
		TargetVersion:   targetVersion,
		Strategy:        strategy,
		Status:          domain.DeploymentPending,
		StartedAt:       time.Now(),
		Config:          config,
		RollbackVersion: service.Version,
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.records[record.ID] = record
	c.cancels[record.ID] = cancel
	c.done[record.ID] = done
	c.mu.Unlock()

	c.setStatus(record.ID, domain.DeploymentInProgress, "")

	go func() {
		defer close(done)
		defer c.registry.EndDeployment(serviceID)
		c.run(runCtx, record.ID, service, targetVersion, strategy, config)
	}()

	return c.Get(record.ID)
}

// Get returns a copy of the deployment record
func (c *Controller) Get(deploymentID string) (*domain.DeploymentRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, exists := c.records[deploymentID]
	if !exists {
		return nil, errors.NewDeploymentNotFoundError(deploymentID)
	}
	copied := *record
	return &copied, nil
}

// Cancel halts an in-progress deployment. No later step executes; the
// record ends failed.
func (c *Controller) Cancel(deploymentID string) error {
	c.mu.Lock()
	record, exists := c.records[deploymentID]
	if !exists {
		c.mu.Unlock()
		return errors.NewDeploymentNotFoundError(deploymentID)
	}
	if record.Status.Terminal() {
		c.mu.Unlock()
		return errors.NewError(errors.ErrCodeConflict, "deployment",
			fmt.Sprintf("deployment '%s' is already %s", deploymentID, record.Status))
	}
	cancel := c.cancels[deploymentID]
	c.mu.Unlock()

	cancel()
	return nil
}

// Wait blocks until the deployment reaches a terminal state
func (c *Controller) Wait(deploymentID string) error {
	c.mu.RLock()
	done, exists := c.done[deploymentID]
	c.mu.RUnlock()
	if !exists {
		return errors.NewDeploymentNotFoundError(deploymentID)
	}
	<-done
	return nil
}

// Rollback redeploys the version recorded at submission time. It is valid
// only on terminal completed/failed records; on success the original record
// is marked rolled_back.
func (c *Controller) Rollback(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error) {
	original, err := c.Get(deploymentID)
	if err != nil {
		return nil, err
	}
	if !original.Status.Terminal() || original.Status == domain.DeploymentRolledBack {
		return nil, errors.NewError(errors.ErrCodeConflict, "deployment",
			fmt.Sprintf("deployment '%s' cannot be rolled back from status %s", deploymentID, original.Status))
	}
	if original.RollbackVersion == "" {
		return nil, errors.NewError(errors.ErrCodeConflict, "deployment",
			fmt.Sprintf("deployment '%s' has no rollback version", deploymentID))
	}

	record, err := c.Submit(ctx, original.ServiceID, original.RollbackVersion,
		domain.RollingUpdateStrategy, original.Config)
	if err != nil {
		return nil, err
	}

	// Flip the original once the rollback lands.
	go func() {
		if err := c.Wait(record.ID); err != nil {
			return
		}
		if result, err := c.Get(record.ID); err == nil && result.Status == domain.DeploymentCompleted {
			c.setStatus(deploymentID, domain.DeploymentRolledBack, "")
		}
	}()

	return record, nil
}

// run executes the staged workflow for one deployment
func (c *Controller) run(ctx context.Context, deploymentID string, service *domain.Service, targetVersion string, strategy domain.DeploymentStrategy, config domain.DeploymentConfig) {
	log := c.logger.DeploymentLogger(deploymentID, service.ID)
	log.WithField("target_version", targetVersion).
		WithField("strategy", string(strategy)).
		Info("Deployment started")

	// Step 1: provision new-version instances
	created, err := c.provisionStep(ctx, service, targetVersion)
	if err != nil {
		c.fail(ctx, deploymentID, created, err, log)
		return
	}

	// Step 2: health gate. Traffic cutover must not happen before every
	// new instance has passed a probe.
	if err := c.healthGate(ctx, deploymentID, service.ID, created, log); err != nil {
		c.fail(ctx, deploymentID, created, err, log)
		return
	}

	// Step 3: traffic cutover
	if strategy == domain.CanaryStrategy {
		if err := c.canaryStep(ctx, service.ID, created, config.Canary, log); err != nil {
			c.fail(ctx, deploymentID, created, err, log)
			return
		}
	}
	if err := c.retireOldInstances(ctx, service.ID, created, log); err != nil {
		c.fail(ctx, deploymentID, created, err, log)
		return
	}

	// Step 4: post-cutover validation
	if err := c.validate(ctx, deploymentID, service.ID, targetVersion); err != nil {
		c.fail(ctx, deploymentID, created, err, log)
		return
	}

	c.setStatus(deploymentID, domain.DeploymentCompleted, "")
	log.Info("Deployment completed")
}

// provisionStep creates as many new-version instances as the service
// currently runs, at least one
func (c *Controller) provisionStep(ctx context.Context, service *domain.Service, targetVersion string) ([]*domain.Instance, error) {
	count := 1
	if existing, err := c.registry.ListInstances(service.ID); err == nil && len(existing) > count {
		count = len(existing)
	}

	created := make([]*domain.Instance, 0, count)
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}

		instance, err := c.provisioner.Provision(ctx, service, targetVersion)
		if err != nil {
			return created, errors.NewProvisioningError(service.ID, err)
		}
		instance.SetState(domain.StateStarting)

		if err := c.registry.AddInstance(ctx, service.ID, instance); err != nil {
			if termErr := c.provisioner.Terminate(ctx, instance.ID); termErr != nil {
				c.logger.WithError(termErr).Warn("Failed to terminate orphaned instance")
			}
			return created, err
		}
		created = append(created, instance)
	}
	return created, nil
}

// healthGate waits until the health monitor reports every created instance
// healthy, or the gate times out
func (c *Controller) healthGate(ctx context.Context, deploymentID, serviceID string, created []*domain.Instance, log *logger.Logger) error {
	deadline := time.Now().Add(c.config.HealthGateTimeout)
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		healthy := 0
		for _, instance := range created {
			if instance.IsHealthy() {
				healthy++
			}
		}
		if healthy == len(created) {
			log.WithField("instances", healthy).Info("All new instances passed the health gate")
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewDeploymentTimeoutError(deploymentID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// canaryStep keeps old instances serving alongside the canaries for the
// configured window, routing the configured share of traffic to the new
// instances, then checks the success criteria from the call metrics
// observed during the window
func (c *Controller) canaryStep(ctx context.Context, serviceID string, created []*domain.Instance, settings domain.CanarySettings, log *logger.Logger) error {
	window := settings.Window
	if window <= 0 {
		window = time.Minute
	}

	if c.shaper != nil && settings.TrafficPercent > 0 && settings.TrafficPercent < 100 {
		ids := make([]string, 0, len(created))
		for _, instance := range created {
			ids = append(ids, instance.ID)
		}
		c.shaper.SetCanarySplit(serviceID, ids, settings.TrafficPercent)
		defer c.shaper.ClearCanarySplit(serviceID)
	}

	before := c.callMetrics.ServiceStats(serviceID)
	log.WithField("traffic_percent", settings.TrafficPercent).
		WithField("window", window.String()).
		Info("Canary window open")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(window):
	}

	observed := c.callMetrics.ServiceStats(serviceID).Sub(before)
	if observed.Requests == 0 {
		// Nothing flowed during the window; promote rather than fail on
		// absence of evidence.
		log.Warn("Canary window saw no traffic, promoting")
		return nil
	}

	if settings.MinSuccessRate > 0 && observed.SuccessRate < settings.MinSuccessRate {
		return errors.NewDeploymentValidationError("", fmt.Sprintf(
			"canary success rate %.2f%% below required %.2f%%", observed.SuccessRate, settings.MinSuccessRate))
	}
	if settings.MaxAvgResponseMs > 0 && observed.AvgLatencyMs > settings.MaxAvgResponseMs {
		return errors.NewDeploymentValidationError("", fmt.Sprintf(
			"canary avg response %.2fms above allowed %.2fms", observed.AvgLatencyMs, settings.MaxAvgResponseMs))
	}
	if settings.MaxErrorRate > 0 && observed.ErrorRate() > settings.MaxErrorRate {
		return errors.NewDeploymentValidationError("", fmt.Sprintf(
			"canary error rate %.2f%% above allowed %.2f%%", observed.ErrorRate(), settings.MaxErrorRate))
	}

	log.Info("Canary criteria met, promoting to full traffic")
	return nil
}

// retireOldInstances removes every instance not created by this deployment
func (c *Controller) retireOldInstances(ctx context.Context, serviceID string, created []*domain.Instance, log *logger.Logger) error {
	createdIDs := make(map[string]bool, len(created))
	for _, instance := range created {
		createdIDs[instance.ID] = true
	}

	instances, err := c.registry.ListInstances(serviceID)
	if err != nil {
		return err
	}

	for _, instance := range instances {
		if createdIDs[instance.ID] {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		instance.SetState(domain.StateStopping)
		if err := c.registry.RemoveInstance(ctx, serviceID, instance.ID); err != nil {
			return err
		}
		if err := c.provisioner.Terminate(ctx, instance.ID); err != nil {
			log.WithError(err).WithField("instance_id", instance.ID).
				Warn("Failed to terminate retired instance")
		}
	}
	return nil
}

// validate confirms the cutover left the service healthy on the target
// version, then records the new version
func (c *Controller) validate(ctx context.Context, deploymentID, serviceID, targetVersion string) error {
	healthy, err := c.registry.ListHealthyInstances(serviceID)
	if err != nil {
		return err
	}

	serving := 0
	for _, instance := range healthy {
		if instance.Version == targetVersion {
			serving++
		}
	}
	if serving == 0 {
		return errors.NewDeploymentValidationError(deploymentID,
			"no healthy instance is serving the target version")
	}

	return c.registry.SetVersion(ctx, serviceID, targetVersion)
}

// fail marks the record failed and tears down the instances this attempt
// created so no half-migrated state stays routable
func (c *Controller) fail(ctx context.Context, deploymentID string, created []*domain.Instance, cause error, log *logger.Logger) {
	reason := errors.Reason(cause)
	if ctx.Err() != nil && cause == ctx.Err() {
		reason = string(errors.ErrCodeDeploymentCancelled)
	}

	// Teardown must proceed even when the run context is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, instance := range created {
		instance.SetState(domain.StateStopping)
		if err := c.registry.RemoveInstance(cleanupCtx, instance.ServiceID, instance.ID); err != nil {
			log.WithError(err).WithField("instance_id", instance.ID).
				Warn("Failed to remove instance during teardown")
		}
		if err := c.provisioner.Terminate(cleanupCtx, instance.ID); err != nil {
			log.WithError(err).WithField("instance_id", instance.ID).
				Warn("Failed to terminate instance during teardown")
		}
	}

	c.setStatus(deploymentID, domain.DeploymentFailed, reason)
	log.WithField("reason", reason).Warn("Deployment failed")
}

// setStatus transitions a record, stamping FinishedAt on terminal states
func (c *Controller) setStatus(deploymentID string, status domain.DeploymentStatus, failureReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, exists := c.records[deploymentID]
	if !exists {
		return
	}
	record.Status = status
	if failureReason != "" {
		record.FailureReason = failureReason
	}
	if status.Terminal() {
		now := time.Now()
		record.FinishedAt = &now
	}
}

// nextID generates a unique deployment id
func (c *Controller) nextID() string {
	seq := atomic.AddUint64(&c.seq, 1)
	return fmt.Sprintf("deploy-%d-%04d", time.Now().Unix(), seq)
}
