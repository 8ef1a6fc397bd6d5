// Package registry holds the canonical description of each logical service
// and its live instances.
//
// Writes to one service's instance list are serialized by a per-service lock
// while reads of other services proceed concurrently; nothing blocks the
// whole registry. Runtime state is authoritative in-process and written
// through to the configured ServiceStore.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/internal/store"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// Registry is the canonical service/instance state
type Registry struct {
	store  store.ServiceStore
	logger *logger.Logger

	mu         sync.RWMutex
	services   map[string]*serviceEntry
	byInstance map[string]*domain.Instance
}

// serviceEntry pairs a service definition with its live instances. The
// entry-level lock scopes contention to a single service.
type serviceEntry struct {
	mu        sync.RWMutex
	service   *domain.Service
	instances map[string]*domain.Instance
	deploying bool
}

// New creates a registry backed by the given store
func New(st store.ServiceStore, log *logger.Logger) *Registry {
	return &Registry{
		store:      st,
		logger:     log.RegistryLogger(),
		services:   make(map[string]*serviceEntry),
		byInstance: make(map[string]*domain.Instance),
	}
}

// entry returns the serviceEntry for id, or a NotFound error
func (r *Registry) entry(id string) (*serviceEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.services[id]
	if !exists {
		return nil, errors.NewServiceNotFoundError(id)
	}
	return entry, nil
}

// Register adds or replaces a service definition. Existing instances are
// kept when a service is re-registered with a new configuration.
func (r *Registry) Register(ctx context.Context, service *domain.Service) error {
	if service == nil || service.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "registry", "service id cannot be empty")
	}

	if err := r.store.PutService(ctx, service); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.services[service.ID]; exists {
		entry.mu.Lock()
		entry.service = service
		entry.mu.Unlock()
	} else {
		r.services[service.ID] = &serviceEntry{
			service:   service,
			instances: make(map[string]*domain.Instance),
		}
	}

	r.logger.WithField("service_id", service.ID).
		WithField("version", service.Version).
		Info("Registered service")
	return nil
}

// GetService returns the service definition for id
func (r *Registry) GetService(id string) (*domain.Service, error) {
	entry, err := r.entry(id)
	if err != nil {
		return nil, err
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.service, nil
}

// ListServices returns all registered services
func (r *Registry) ListServices() []*domain.Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*domain.Service, 0, len(r.services))
	for _, entry := range r.services {
		entry.mu.RLock()
		services = append(services, entry.service)
		entry.mu.RUnlock()
	}
	return services
}

// ListInstances returns all instances of a service, sorted by id for
// deterministic iteration
func (r *Registry) ListInstances(serviceID string) ([]*domain.Instance, error) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return nil, err
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	instances := make([]*domain.Instance, 0, len(entry.instances))
	for _, instance := range entry.instances {
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(a, b int) bool { return instances[a].ID < instances[b].ID })
	return instances, nil
}

// ListHealthyInstances returns only routable instances of a service
func (r *Registry) ListHealthyInstances(serviceID string) ([]*domain.Instance, error) {
	instances, err := r.ListInstances(serviceID)
	if err != nil {
		return nil, err
	}

	healthy := make([]*domain.Instance, 0, len(instances))
	for _, instance := range instances {
		if instance.IsHealthy() {
			healthy = append(healthy, instance)
		}
	}
	return healthy, nil
}

// AddInstance adds an instance to a service. Duplicate ids are rejected
// with Conflict.
func (r *Registry) AddInstance(ctx context.Context, serviceID string, instance *domain.Instance) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if _, exists := entry.instances[instance.ID]; exists {
		entry.mu.Unlock()
		return errors.NewInstanceConflictError(instance.ID)
	}
	entry.instances[instance.ID] = instance
	entry.mu.Unlock()

	if err := r.store.PutInstance(ctx, instance); err != nil {
		entry.mu.Lock()
		delete(entry.instances, instance.ID)
		entry.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.byInstance[instance.ID] = instance
	r.mu.Unlock()

	r.logger.WithField("service_id", serviceID).
		WithField("instance_id", instance.ID).
		WithField("state", instance.State().String()).
		Info("Added instance")
	return nil
}

// RemoveInstance removes an instance from a service
func (r *Registry) RemoveInstance(ctx context.Context, serviceID, instanceID string) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if _, exists := entry.instances[instanceID]; !exists {
		entry.mu.Unlock()
		return errors.NewInstanceNotFoundError(instanceID)
	}
	delete(entry.instances, instanceID)
	entry.mu.Unlock()

	r.mu.Lock()
	delete(r.byInstance, instanceID)
	r.mu.Unlock()

	if err := r.store.DeleteInstance(ctx, serviceID, instanceID); err != nil {
		// In-process state stays authoritative; a stale store record will
		// be reconciled on the next write.
		r.logger.WithError(err).
			WithField("instance_id", instanceID).
			Warn("Failed to delete instance from store")
	}

	r.logger.WithField("service_id", serviceID).
		WithField("instance_id", instanceID).
		Info("Removed instance")
	return nil
}

// GetInstance returns an instance by id across all services
func (r *Registry) GetInstance(instanceID string) (*domain.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, exists := r.byInstance[instanceID]
	if !exists {
		return nil, errors.NewInstanceNotFoundError(instanceID)
	}
	return instance, nil
}

// UpdateInstanceHealth sets the health state of an instance
func (r *Registry) UpdateInstanceHealth(instanceID string, state domain.HealthState) error {
	instance, err := r.GetInstance(instanceID)
	if err != nil {
		return err
	}
	instance.SetState(state)
	return nil
}

// SetVersion updates the declared version of a service. The entry swaps to
// a copy so pointers already handed to readers are never written in place;
// holders keep the snapshot they fetched.
func (r *Registry) SetVersion(ctx context.Context, serviceID, version string) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	updated := *entry.service
	updated.Version = version
	entry.service = &updated
	entry.mu.Unlock()

	return r.store.PutService(ctx, &updated)
}

// BeginDeployment marks a service as having a deployment in progress.
// Returns Conflict if one is already running.
func (r *Registry) BeginDeployment(serviceID string) error {
	entry, err := r.entry(serviceID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.deploying {
		return errors.NewError(errors.ErrCodeConflict, "registry",
			"a deployment is already in progress for service '"+serviceID+"'")
	}
	entry.deploying = true
	return nil
}

// EndDeployment clears the deployment-in-progress guard
func (r *Registry) EndDeployment(serviceID string) {
	entry, err := r.entry(serviceID)
	if err != nil {
		return
	}

	entry.mu.Lock()
	entry.deploying = false
	entry.mu.Unlock()
}

// DeploymentInProgress reports whether a deployment holds the service.
// The auto-scaler checks this before mutating the instance list.
func (r *Registry) DeploymentInProgress(serviceID string) bool {
	entry, err := r.entry(serviceID)
	if err != nil {
		return false
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.deploying
}

// Counts returns aggregate service/instance counts for the overview
func (r *Registry) Counts() (services, healthyServices, instances, healthyInstances int) {
	r.mu.RLock()
	entries := make([]*serviceEntry, 0, len(r.services))
	for _, entry := range r.services {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		entry.mu.RLock()
		services++
		serviceHealthy := false
		for _, instance := range entry.instances {
			instances++
			if instance.IsHealthy() {
				healthyInstances++
				serviceHealthy = true
			}
		}
		if serviceHealthy {
			healthyServices++
		}
		entry.mu.RUnlock()
	}
	return
}
