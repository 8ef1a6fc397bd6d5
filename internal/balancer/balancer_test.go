package balancer

import (
	"context"
	"fmt"
	"testing"

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

// newServiceWithInstances registers a service with n healthy instances
func newServiceWithInstances(t *testing.T, reg *registry.Registry, serviceID string, n int) []*domain.Instance {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, reg.Register(ctx, domain.NewService(serviceID, serviceID, "1.0.0")))

	instances := make([]*domain.Instance, 0, n)
	for i := 0; i < n; i++ {
		instance := domain.NewInstance(
			fmt.Sprintf("%s-%d", serviceID, i),
			serviceID, fmt.Sprintf("node-%d:9000", i), "1.0.0",
		)
		instance.SetState(domain.StateHealthy)
		require.NoError(t, reg.AddInstance(ctx, serviceID, instance))
		instances = append(instances, instance)
	}
	return instances
}

func newTestBalancer(t *testing.T, strategy domain.LoadBalancingStrategy) (*LoadBalancer, *registry.Registry) {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(store.NewMemoryStore(), log)
	lb := New(reg, domain.LoadBalancerConfig{Strategy: strategy}, log)
	return lb, reg
}

func TestRoundRobinCyclesAllInstances(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 3)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		seen[instance.ID]++
	}

	// Two full cycles: every instance selected exactly twice
	assert.Len(t, seen, 3)
	for id, count := range seen {
		assert.Equal(t, 2, count, "instance %s", id)
	}
}

func TestSelectInstanceNoHealthyInstances(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	require.NoError(t, reg.Register(context.Background(), domain.NewService("orders", "Orders", "1.0.0")))

	_, err := lb.SelectInstance("orders")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoHealthyInstance, errors.GetErrorCode(err))
}

func TestSelectInstanceUnknownService(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.RoundRobinStrategy)

	_, err := lb.SelectInstance("missing")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetErrorCode(err))
}

func TestUnhealthyInstancesNeverSelected(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 4)

	instances[1].SetState(domain.StateUnhealthy)
	instances[3].SetState(domain.StateStarting)

	for i := 0; i < 100; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		assert.NotEqual(t, instances[1].ID, instance.ID)
		assert.NotEqual(t, instances[3].ID, instance.ID)
	}
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.LeastConnectionsStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 3)

	instances[0].IncrementConnections()
	instances[0].IncrementConnections()
	instances[1].IncrementConnections()

	selected, err := lb.SelectInstance("orders")
	require.NoError(t, err)
	assert.Equal(t, instances[2].ID, selected.ID)
}

func TestLeastConnectionsTieBreaksOnLowestID(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.LeastConnectionsStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 3)

	selected, err := lb.SelectInstance("orders")
	require.NoError(t, err)
	assert.Equal(t, instances[0].ID, selected.ID)
}

func TestLeastConnectionsCountsNetworkSample(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.LeastConnectionsStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 2)

	instances[0].SetUsage(domain.ResourceUsage{NetworkConns: 50})

	selected, err := lb.SelectInstance("orders")
	require.NoError(t, err)
	assert.Equal(t, instances[1].ID, selected.ID)
}

func TestWeightedRoundRobinProportionality(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.WeightedRoundRobinStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 2)

	// Weight 80 vs weight 20: expect a 4:1 selection ratio
	instances[0].SetUsage(domain.ResourceUsage{CPUPercent: 20})
	instances[1].SetUsage(domain.ResourceUsage{CPUPercent: 80})

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		counts[instance.ID]++
	}

	assert.Equal(t, 80, counts[instances[0].ID])
	assert.Equal(t, 20, counts[instances[1].ID])
}

func TestWeightedRoundRobinWeightFloor(t *testing.T) {
	instance := domain.NewInstance("i-1", "orders", "node:9000", "1.0.0")
	instance.SetUsage(domain.ResourceUsage{CPUPercent: 100})
	assert.Equal(t, 1, InstanceWeight(instance))

	instance.SetUsage(domain.ResourceUsage{CPUPercent: 250})
	assert.Equal(t, 1, InstanceWeight(instance))
}

func TestWeightedRoundRobinFullyLoadedStillServed(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.WeightedRoundRobinStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 2)

	instances[0].SetUsage(domain.ResourceUsage{CPUPercent: 100})
	instances[1].SetUsage(domain.ResourceUsage{CPUPercent: 0})

	seen := make(map[string]int)
	for i := 0; i < 101; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		seen[instance.ID]++
	}

	// Weight floor keeps the loaded instance from starving entirely
	assert.Positive(t, seen[instances[0].ID])
}

func TestSetConfigRejectsUnknownStrategy(t *testing.T) {
	lb, _ := newTestBalancer(t, domain.RoundRobinStrategy)

	err := lb.SetConfig("orders", domain.LoadBalancerConfig{Strategy: "random"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetErrorCode(err))
}

func TestSetConfigSwitchesStrategy(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	instances := newServiceWithInstances(t, reg, "orders", 3)

	require.NoError(t, lb.SetConfig("orders", domain.LoadBalancerConfig{
		Strategy: domain.LeastConnectionsStrategy,
	}))

	instances[0].IncrementConnections()
	instances[1].IncrementConnections()

	selected, err := lb.SelectInstance("orders")
	require.NoError(t, err)
	assert.Equal(t, instances[2].ID, selected.ID)

	assert.Equal(t, domain.LeastConnectionsStrategy, lb.ConfigFor("orders").Strategy)
}

func TestCanarySplitRoutesConfiguredPercent(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 1)

	canary := domain.NewInstance("orders-canary", "orders", "node-9:9000", "2.0.0")
	canary.SetState(domain.StateHealthy)
	require.NoError(t, reg.AddInstance(context.Background(), "orders", canary))

	lb.SetCanarySplit("orders", []string{canary.ID}, 10)

	seen := make(map[string]int)
	for i := 0; i < 100; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		seen[instance.ID]++
	}

	// The split admits exactly the configured share per 100 selections
	assert.Equal(t, 10, seen[canary.ID])
	assert.Equal(t, 90, seen["orders-0"])
}

func TestClearCanarySplitRestoresUniformSelection(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 1)

	canary := domain.NewInstance("orders-canary", "orders", "node-9:9000", "2.0.0")
	canary.SetState(domain.StateHealthy)
	require.NoError(t, reg.AddInstance(context.Background(), "orders", canary))

	lb.SetCanarySplit("orders", []string{canary.ID}, 10)
	lb.ClearCanarySplit("orders")

	seen := make(map[string]int)
	for i := 0; i < 10; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		seen[instance.ID]++
	}

	assert.Equal(t, 5, seen[canary.ID])
	assert.Equal(t, 5, seen["orders-0"])
}

func TestCanarySplitFallsBackWhenCanariesUnhealthy(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 2)

	canary := domain.NewInstance("orders-canary", "orders", "node-9:9000", "2.0.0")
	canary.SetState(domain.StateUnhealthy)
	require.NoError(t, reg.AddInstance(context.Background(), "orders", canary))

	lb.SetCanarySplit("orders", []string{canary.ID}, 50)

	for i := 0; i < 20; i++ {
		instance, err := lb.SelectInstance("orders")
		require.NoError(t, err)
		assert.NotEqual(t, canary.ID, instance.ID)
	}
}

func TestSelectInstanceForPinsAffinityKey(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 3)

	require.NoError(t, lb.SetConfig("orders", domain.LoadBalancerConfig{
		Strategy:        domain.RoundRobinStrategy,
		SessionAffinity: true,
	}))

	first, err := lb.SelectInstanceFor("orders", "checkout")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		instance, err := lb.SelectInstanceFor("orders", "checkout")
		require.NoError(t, err)
		assert.Equal(t, first.ID, instance.ID)
	}
}

func TestSelectInstanceForWithoutAffinityRoundRobins(t *testing.T) {
	lb, reg := newTestBalancer(t, domain.RoundRobinStrategy)
	newServiceWithInstances(t, reg, "orders", 2)

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		instance, err := lb.SelectInstanceFor("orders", "checkout")
		require.NoError(t, err)
		seen[instance.ID]++
	}

	// Affinity is off in the default config, so selection still rotates
	assert.Len(t, seen, 2)
}
