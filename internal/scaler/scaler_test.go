package scaler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/internal/store"
	"github.com/mir00r/orchestrator/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	return log
}

// fakeProvisioner creates in-memory instances and records terminations
type fakeProvisioner struct {
	mu          sync.Mutex
	seq         int
	provisioned []string
	terminated  []string
	failNext    bool
}

func (p *fakeProvisioner) Provision(ctx context.Context, service *domain.Service, version string) (*domain.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext {
		p.failNext = false
		return nil, fmt.Errorf("node pool exhausted")
	}

	p.seq++
	id := fmt.Sprintf("%s-new-%d", service.ID, p.seq)
	p.provisioned = append(p.provisioned, id)
	return domain.NewInstance(id, service.ID, "node:9000", version), nil
}

func (p *fakeProvisioner) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, instanceID)
	return nil
}

// fakeMetrics returns a fixed usage sample for every instance
type fakeMetrics struct {
	mu    sync.Mutex
	usage domain.ResourceUsage
}

func (m *fakeMetrics) set(usage domain.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = usage
}

func (m *fakeMetrics) Usage(instanceID string) (domain.ResourceUsage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, true
}

func setupScaler(t *testing.T) (*AutoScaler, *registry.Registry, *fakeProvisioner, *fakeMetrics) {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(store.NewMemoryStore(), log)
	prov := &fakeProvisioner{}
	metrics := &fakeMetrics{}
	return New(reg, prov, metrics, log), reg, prov, metrics
}

func addHealthyInstances(t *testing.T, reg *registry.Registry, serviceID string, n int) []*domain.Instance {
	t.Helper()
	instances := make([]*domain.Instance, 0, n)
	for i := 0; i < n; i++ {
		instance := domain.NewInstance(
			fmt.Sprintf("%s-%d", serviceID, i), serviceID, "node:9000", "1.0.0",
		)
		instance.StartedAt = time.Now().Add(-time.Duration(n-i) * time.Minute)
		instance.SetState(domain.StateHealthy)
		require.NoError(t, reg.AddInstance(context.Background(), serviceID, instance))
		instances = append(instances, instance)
	}
	return instances
}

func policyFor(serviceID string) domain.AutoScalingPolicy {
	return domain.AutoScalingPolicy{
		ServiceID:     serviceID,
		MinInstances:  1,
		MaxInstances:  4,
		ScaleUp:       domain.ScalingThresholds{CPUPercent: 80, MemoryPercent: 80},
		ScaleDown:     domain.ScalingThresholds{CPUPercent: 20, MemoryPercent: 20},
		CheckInterval: time.Hour,
	}
}

func TestEnableValidation(t *testing.T) {
	scaler, reg, _, _ := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))

	bad := policyFor("orders")
	bad.MinInstances = 0
	err := scaler.Enable(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetErrorCode(err))

	bad = policyFor("orders")
	bad.MaxInstances = 0
	err = scaler.Enable(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetErrorCode(err))

	err = scaler.Enable(ctx, policyFor("missing"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
}

func TestEnableDisable(t *testing.T) {
	scaler, reg, _, _ := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	require.NoError(t, scaler.Enable(ctx, policyFor("orders")))
	assert.True(t, scaler.Enabled("orders"))

	scaler.Disable("orders")
	assert.False(t, scaler.Enabled("orders"))

	scaler.Stop()
}

func TestScaleUpOnHighCPU(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 2)
	metrics.set(domain.ResourceUsage{CPUPercent: 95, MemoryPercent: 40})

	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	require.Len(t, instances, 3)

	// Exactly one new instance per tick, in the starting state
	var started int
	for _, instance := range instances {
		if instance.State() == domain.StateStarting {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestNoScaleUpBeyondMaxEvenAtFullLoad(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 4)
	metrics.set(domain.ResourceUsage{CPUPercent: 100, MemoryPercent: 100})

	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 4)
}

func TestScaleDownRemovesNewestInstance(t *testing.T) {
	scaler, reg, prov, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	instances := addHealthyInstances(t, reg, "orders", 3)
	newest := instances[len(instances)-1]
	metrics.set(domain.ResourceUsage{CPUPercent: 5, MemoryPercent: 5})

	scaler.Evaluate(ctx, policyFor("orders"))

	remaining, err := reg.ListInstances("orders")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, instance := range remaining {
		assert.NotEqual(t, newest.ID, instance.ID)
	}
	assert.Contains(t, prov.terminated, newest.ID)
}

func TestNoScaleDownBelowMin(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 1)
	metrics.set(domain.ResourceUsage{CPUPercent: 0, MemoryPercent: 0})

	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestBelowMinTriggersScaleUpRegardlessOfLoad(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	metrics.set(domain.ResourceUsage{CPUPercent: 0, MemoryPercent: 0})

	policy := policyFor("orders")
	policy.MinInstances = 2

	scaler.Evaluate(ctx, policy)

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

func TestMidbandHoldsSteady(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 2)
	metrics.set(domain.ResourceUsage{CPUPercent: 50, MemoryPercent: 50})

	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestSkipsTickDuringDeployment(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 2)
	metrics.set(domain.ResourceUsage{CPUPercent: 95, MemoryPercent: 95})

	require.NoError(t, reg.BeginDeployment("orders"))
	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	reg.EndDeployment("orders")
	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err = reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 3)
}

func TestProvisioningFailureLeavesCountUnchanged(t *testing.T) {
	scaler, reg, prov, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	addHealthyInstances(t, reg, "orders", 2)
	metrics.set(domain.ResourceUsage{CPUPercent: 95, MemoryPercent: 95})
	prov.failNext = true

	scaler.Evaluate(ctx, policyFor("orders"))

	instances, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	// Next tick retries
	scaler.Evaluate(ctx, policyFor("orders"))
	instances, err = reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, instances, 3)
}

func TestStoppingInstancesExcludedFromCount(t *testing.T) {
	scaler, reg, _, metrics := setupScaler(t)
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService("orders", "Orders", "1.0.0")))
	instances := addHealthyInstances(t, reg, "orders", 2)
	instances[1].SetState(domain.StateStopping)
	metrics.set(domain.ResourceUsage{CPUPercent: 50, MemoryPercent: 50})

	policy := policyFor("orders")
	policy.MinInstances = 2

	// Only one active instance, below min: scale up
	scaler.Evaluate(ctx, policy)

	all, err := reg.ListInstances("orders")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
