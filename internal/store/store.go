// Package store defines the persistence boundary for registry state.
//
// The registry treats its in-process state as authoritative and writes
// through to a ServiceStore, so the orchestration logic never depends on
// in-memory semantics. MemoryStore backs tests and single-node setups;
// EtcdStore provides a durable backend.
package store

import (
	"context"

	"github.com/mir00r/orchestrator/internal/domain"
)

// ServiceStore persists service definitions and instance topology
type ServiceStore interface {
	// PutService creates or replaces a service definition
	PutService(ctx context.Context, service *domain.Service) error
	// GetService returns a service definition by id
	GetService(ctx context.Context, id string) (*domain.Service, error)
	// ListServices returns all service definitions
	ListServices(ctx context.Context) ([]*domain.Service, error)
	// DeleteService removes a service definition and its instances
	DeleteService(ctx context.Context, id string) error
	// PutInstance records an instance under its service
	PutInstance(ctx context.Context, instance *domain.Instance) error
	// DeleteInstance removes an instance record
	DeleteInstance(ctx context.Context, serviceID, instanceID string) error
	// ListInstances returns all instance records for a service
	ListInstances(ctx context.Context, serviceID string) ([]*domain.Instance, error)
	// Close releases any resources held by the store
	Close() error
}
