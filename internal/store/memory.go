package store

import (
	"context"
	"sync"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
)

// MemoryStore implements ServiceStore using in-memory maps
type MemoryStore struct {
	mu        sync.RWMutex
	services  map[string]*domain.Service
	instances map[string]map[string]*domain.Instance // serviceID -> instanceID -> instance
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:  make(map[string]*domain.Service),
		instances: make(map[string]map[string]*domain.Instance),
	}
}

// PutService creates or replaces a service definition
func (s *MemoryStore) PutService(ctx context.Context, service *domain.Service) error {
	if service == nil || service.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "store", "service id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.services[service.ID] = service
	if s.instances[service.ID] == nil {
		s.instances[service.ID] = make(map[string]*domain.Instance)
	}
	return nil
}

// GetService returns a service definition by id
func (s *MemoryStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service, exists := s.services[id]
	if !exists {
		return nil, errors.NewServiceNotFoundError(id)
	}
	return service, nil
}

// ListServices returns all service definitions
func (s *MemoryStore) ListServices(ctx context.Context) ([]*domain.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]*domain.Service, 0, len(s.services))
	for _, service := range s.services {
		services = append(services, service)
	}
	return services, nil
}

// DeleteService removes a service definition and its instances
func (s *MemoryStore) DeleteService(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.services[id]; !exists {
		return errors.NewServiceNotFoundError(id)
	}

	delete(s.services, id)
	delete(s.instances, id)
	return nil
}

// PutInstance records an instance under its service
func (s *MemoryStore) PutInstance(ctx context.Context, instance *domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.services[instance.ServiceID]; !exists {
		return errors.NewServiceNotFoundError(instance.ServiceID)
	}

	if s.instances[instance.ServiceID] == nil {
		s.instances[instance.ServiceID] = make(map[string]*domain.Instance)
	}
	s.instances[instance.ServiceID][instance.ID] = instance
	return nil
}

// DeleteInstance removes an instance record
func (s *MemoryStore) DeleteInstance(ctx context.Context, serviceID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	instances, exists := s.instances[serviceID]
	if !exists {
		return errors.NewServiceNotFoundError(serviceID)
	}
	if _, exists := instances[instanceID]; !exists {
		return errors.NewInstanceNotFoundError(instanceID)
	}

	delete(instances, instanceID)
	return nil
}

// ListInstances returns all instance records for a service
func (s *MemoryStore) ListInstances(ctx context.Context, serviceID string) ([]*domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, exists := s.instances[serviceID]
	if !exists {
		return nil, errors.NewServiceNotFoundError(serviceID)
	}

	instances := make([]*domain.Instance, 0, len(byID))
	for _, instance := range byID {
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}
