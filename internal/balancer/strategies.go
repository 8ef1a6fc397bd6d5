package balancer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mir00r/orchestrator/internal/domain"
)

// Strategy selects one instance from a non-empty, id-sorted healthy list
type Strategy interface {
	SelectInstance(instances []*domain.Instance) (*domain.Instance, error)
	Name() string
}

// RoundRobinStrategy cycles deterministically through the healthy list,
// advancing a cursor per call and wrapping at the list length
type RoundRobinStrategy struct {
	index *uint64
}

// NewRoundRobinStrategy creates a new round-robin strategy
func NewRoundRobinStrategy(index *uint64) *RoundRobinStrategy {
	return &RoundRobinStrategy{index: index}
}

// SelectInstance selects the next instance using round-robin
func (s *RoundRobinStrategy) SelectInstance(instances []*domain.Instance) (*domain.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	next := atomic.AddUint64(s.index, 1)
	return instances[(next-1)%uint64(len(instances))], nil
}

// Name returns the strategy name
func (s *RoundRobinStrategy) Name() string {
	return string(domain.RoundRobinStrategy)
}

// LeastConnectionsStrategy selects the healthy instance with the lowest
// observed connection load. The input list is sorted by instance id, so
// ties resolve to the lowest id for determinism.
type LeastConnectionsStrategy struct{}

// NewLeastConnectionsStrategy creates a new least connections strategy
func NewLeastConnectionsStrategy() *LeastConnectionsStrategy {
	return &LeastConnectionsStrategy{}
}

// SelectInstance selects the instance with the least connection load
func (s *LeastConnectionsStrategy) SelectInstance(instances []*domain.Instance) (*domain.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	selected := instances[0]
	minLoad := connectionLoad(selected)
	for _, instance := range instances[1:] {
		if load := connectionLoad(instance); load < minLoad {
			minLoad = load
			selected = instance
		}
	}
	return selected, nil
}

// connectionLoad combines the live connection counter with the metrics
// source's network sample
func connectionLoad(instance *domain.Instance) int64 {
	return instance.ActiveConnections() + instance.Usage().NetworkConns
}

// Name returns the strategy name
func (s *LeastConnectionsStrategy) Name() string {
	return string(domain.LeastConnectionsStrategy)
}

// WeightedRoundRobinStrategy draws instances proportionally to
// max(1, 100 - cpu%). Loaded instances are chosen less often but the weight
// floor of 1 means none is ever starved. Uses smooth weighted round robin:
// each call adds every instance's weight to its running total, picks the
// highest total and subtracts the weight sum from the winner.
type WeightedRoundRobinStrategy struct {
	currentWeights map[string]int
	mu             *sync.Mutex
}

// NewWeightedRoundRobinStrategy creates a new weighted round-robin strategy
func NewWeightedRoundRobinStrategy(currentWeights map[string]int, mu *sync.Mutex) *WeightedRoundRobinStrategy {
	return &WeightedRoundRobinStrategy{
		currentWeights: currentWeights,
		mu:             mu,
	}
}

// InstanceWeight is the effective weight of an instance, inverse to its
// current CPU usage with a floor of 1
func InstanceWeight(instance *domain.Instance) int {
	weight := 100 - int(instance.Usage().CPUPercent)
	if weight < 1 {
		weight = 1
	}
	return weight
}

// SelectInstance selects the next instance using smooth weighted round-robin
func (s *WeightedRoundRobinStrategy) SelectInstance(instances []*domain.Instance) (*domain.Instance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	totalWeight := 0
	var selected *domain.Instance
	maxWeight := 0

	for _, instance := range instances {
		weight := InstanceWeight(instance)
		totalWeight += weight
		s.currentWeights[instance.ID] += weight

		if selected == nil || s.currentWeights[instance.ID] > maxWeight {
			maxWeight = s.currentWeights[instance.ID]
			selected = instance
		}
	}

	s.currentWeights[selected.ID] -= totalWeight
	return selected, nil
}

// Name returns the strategy name
func (s *WeightedRoundRobinStrategy) Name() string {
	return string(domain.WeightedRoundRobinStrategy)
}
