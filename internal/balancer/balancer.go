// Package balancer selects one healthy instance per call for a logical
// service, using the strategy from the service's bound LoadBalancerConfig.
package balancer

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/registry"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// LoadBalancer routes calls to healthy instances
type LoadBalancer struct {
	registry      *registry.Registry
	logger        *logger.Logger
	defaultConfig domain.LoadBalancerConfig

	mu       sync.Mutex
	configs  map[string]domain.LoadBalancerConfig
	services map[string]*serviceState
	canaries map[string]*canarySplit
}

// canarySplit biases selection toward a canary instance set while a canary
// window is open
type canarySplit struct {
	instanceIDs map[string]bool
	percent     int
	cursor      uint64
}

// partition narrows the healthy list to the canary subset for percent of
// the selections and to the stable subset for the rest. If either subset
// has no healthy member, the full list is used unchanged.
func (s *canarySplit) partition(healthy []*domain.Instance) []*domain.Instance {
	canary := make([]*domain.Instance, 0, len(healthy))
	stable := make([]*domain.Instance, 0, len(healthy))
	for _, instance := range healthy {
		if s.instanceIDs[instance.ID] {
			canary = append(canary, instance)
		} else {
			stable = append(stable, instance)
		}
	}
	if len(canary) == 0 || len(stable) == 0 {
		return healthy
	}

	tick := atomic.AddUint64(&s.cursor, 1) - 1
	if int(tick%100) < s.percent {
		return canary
	}
	return stable
}

// serviceState holds the per-service selection state
type serviceState struct {
	strategy       Strategy
	roundRobin     uint64
	currentWeights map[string]int
	weightsMu      sync.Mutex
}

// New creates a load balancer over the given registry
func New(reg *registry.Registry, defaultConfig domain.LoadBalancerConfig, log *logger.Logger) *LoadBalancer {
	if defaultConfig.Strategy == "" {
		defaultConfig.Strategy = domain.RoundRobinStrategy
	}
	return &LoadBalancer{
		registry:      reg,
		logger:        log.LoadBalancerLogger(),
		defaultConfig: defaultConfig,
		configs:       make(map[string]domain.LoadBalancerConfig),
		services:      make(map[string]*serviceState),
		canaries:      make(map[string]*canarySplit),
	}
}

// SetCanarySplit routes percent of the service's selections to the given
// instances for as long as the split is installed. The deployment
// controller installs one for the duration of a canary window.
func (lb *LoadBalancer) SetCanarySplit(serviceID string, instanceIDs []string, percent int) {
	if percent <= 0 || percent >= 100 || len(instanceIDs) == 0 {
		return
	}
	ids := make(map[string]bool, len(instanceIDs))
	for _, id := range instanceIDs {
		ids[id] = true
	}

	lb.mu.Lock()
	lb.canaries[serviceID] = &canarySplit{instanceIDs: ids, percent: percent}
	lb.mu.Unlock()

	lb.logger.WithField("service_id", serviceID).
		WithField("traffic_percent", percent).
		Info("Installed canary traffic split")
}

// ClearCanarySplit restores normal selection for the service
func (lb *LoadBalancer) ClearCanarySplit(serviceID string) {
	lb.mu.Lock()
	delete(lb.canaries, serviceID)
	lb.mu.Unlock()
}

func (lb *LoadBalancer) splitFor(serviceID string) *canarySplit {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.canaries[serviceID]
}

// SetConfig binds a LoadBalancerConfig to a service. Selection state is
// reset so the new strategy starts from a clean cursor.
func (lb *LoadBalancer) SetConfig(serviceID string, config domain.LoadBalancerConfig) error {
	switch config.Strategy {
	case domain.RoundRobinStrategy, domain.LeastConnectionsStrategy, domain.WeightedRoundRobinStrategy:
	default:
		return errors.NewError(errors.ErrCodeInvalidConfig, "load_balancer",
			"unsupported load balancing strategy: "+string(config.Strategy))
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.configs[serviceID] = config
	delete(lb.services, serviceID)

	lb.logger.WithField("service_id", serviceID).
		WithField("strategy", string(config.Strategy)).
		Info("Bound load balancer config")
	return nil
}

// ConfigFor returns the config bound to a service, or the default
func (lb *LoadBalancer) ConfigFor(serviceID string) domain.LoadBalancerConfig {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if config, exists := lb.configs[serviceID]; exists {
		return config
	}
	return lb.defaultConfig
}

// state returns (creating if needed) the selection state for a service
func (lb *LoadBalancer) state(serviceID string) *serviceState {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if st, exists := lb.services[serviceID]; exists {
		return st
	}

	config, exists := lb.configs[serviceID]
	if !exists {
		config = lb.defaultConfig
	}

	st := &serviceState{currentWeights: make(map[string]int)}
	switch config.Strategy {
	case domain.LeastConnectionsStrategy:
		st.strategy = NewLeastConnectionsStrategy()
	case domain.WeightedRoundRobinStrategy:
		st.strategy = NewWeightedRoundRobinStrategy(st.currentWeights, &st.weightsMu)
	default:
		st.strategy = NewRoundRobinStrategy(&st.roundRobin)
	}

	lb.services[serviceID] = st
	return st
}

// SelectInstance returns one healthy instance of the service, or
// NoHealthyInstance when none are routable. Callers must treat that as
// service unavailable rather than retrying without backoff.
func (lb *LoadBalancer) SelectInstance(serviceID string) (*domain.Instance, error) {
	healthy, err := lb.registry.ListHealthyInstances(serviceID)
	if err != nil {
		return nil, err
	}
	if len(healthy) == 0 {
		return nil, errors.NewNoHealthyInstanceError(serviceID)
	}

	if split := lb.splitFor(serviceID); split != nil {
		healthy = split.partition(healthy)
	}

	st := lb.state(serviceID)
	instance, err := st.strategy.SelectInstance(healthy)
	if err != nil {
		return nil, errors.NewNoHealthyInstanceError(serviceID)
	}

	lb.logger.WithField("service_id", serviceID).
		WithField("instance_id", instance.ID).
		WithField("strategy", st.strategy.Name()).
		Debug("Selected instance")
	return instance, nil
}

// SelectInstanceFor selects like SelectInstance, additionally honoring
// session affinity when the service's config enables it: the same affinity
// key maps to the same instance for as long as the healthy set is stable.
func (lb *LoadBalancer) SelectInstanceFor(serviceID, affinityKey string) (*domain.Instance, error) {
	if affinityKey == "" || !lb.ConfigFor(serviceID).SessionAffinity {
		return lb.SelectInstance(serviceID)
	}

	healthy, err := lb.registry.ListHealthyInstances(serviceID)
	if err != nil {
		return nil, err
	}
	if len(healthy) == 0 {
		return nil, errors.NewNoHealthyInstanceError(serviceID)
	}

	// The registry returns instances sorted by id, so the hash picks a
	// stable slot until membership changes.
	h := fnv.New32a()
	h.Write([]byte(affinityKey))
	instance := healthy[int(h.Sum32()%uint32(len(healthy)))]

	lb.logger.WithField("service_id", serviceID).
		WithField("instance_id", instance.ID).
		WithField("affinity_key", affinityKey).
		Debug("Selected instance by session affinity")
	return instance, nil
}

// RemoveInstanceState drops per-instance selection state after an instance
// is removed from the registry
func (lb *LoadBalancer) RemoveInstanceState(serviceID, instanceID string) {
	lb.mu.Lock()
	st, exists := lb.services[serviceID]
	lb.mu.Unlock()
	if !exists {
		return
	}

	st.weightsMu.Lock()
	delete(st.currentWeights, instanceID)
	st.weightsMu.Unlock()
}
