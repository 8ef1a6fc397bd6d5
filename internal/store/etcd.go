package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
)

const (
	servicePrefix  = "/orchestrator/services/"
	instancePrefix = "/orchestrator/instances/"

	// Instance records carry a TTL lease so entries for crashed nodes
	// expire instead of lingering as ghosts.
	instanceLeaseTTL = 30 // seconds
)

// EtcdStore implements ServiceStore on top of etcd v3.
//
//	Key:   /orchestrator/services/{serviceID}
//	Key:   /orchestrator/instances/{serviceID}/{instanceID}
//	Value: JSON-encoded record
type EtcdStore struct {
	client *clientv3.Client
	leases *leaseTable
}

// leaseTable tracks the lease attached to each instance key so that
// removing an instance revokes its lease instead of leaving the lease and
// its keepalive goroutine behind.
type leaseTable struct {
	mu    sync.Mutex
	byKey map[string]clientv3.LeaseID
}

func newLeaseTable() *leaseTable {
	return &leaseTable{byKey: make(map[string]clientv3.LeaseID)}
}

// put records the lease for a key and returns the lease it displaced, or 0
func (t *leaseTable) put(key string, id clientv3.LeaseID) clientv3.LeaseID {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior := t.byKey[key]
	t.byKey[key] = id
	return prior
}

// take removes and returns the lease for a key
func (t *leaseTable) take(key string) (clientv3.LeaseID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, exists := t.byKey[key]
	if exists {
		delete(t.byKey, key)
	}
	return id, exists
}

// takePrefix removes and returns all leases whose key starts with prefix
func (t *leaseTable) takePrefix(prefix string) []clientv3.LeaseID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var taken []clientv3.LeaseID
	for key, id := range t.byKey {
		if strings.HasPrefix(key, prefix) {
			taken = append(taken, id)
			delete(t.byKey, key)
		}
	}
	return taken
}

// NewEtcdStore creates a store connected to the given etcd endpoints
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdStore{client: c, leases: newLeaseTable()}, nil
}

// PutService creates or replaces a service definition
func (s *EtcdStore) PutService(ctx context.Context, service *domain.Service) error {
	if service == nil || service.ID == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "store", "service id cannot be empty")
	}

	val, err := json.Marshal(service)
	if err != nil {
		return err
	}

	_, err = s.client.Put(ctx, servicePrefix+service.ID, string(val))
	return err
}

// GetService returns a service definition by id
func (s *EtcdStore) GetService(ctx context.Context, id string) (*domain.Service, error) {
	resp, err := s.client.Get(ctx, servicePrefix+id)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.NewServiceNotFoundError(id)
	}

	var service domain.Service
	if err := json.Unmarshal(resp.Kvs[0].Value, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// ListServices returns all service definitions
func (s *EtcdStore) ListServices(ctx context.Context) ([]*domain.Service, error) {
	resp, err := s.client.Get(ctx, servicePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	services := make([]*domain.Service, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var service domain.Service
		if err := json.Unmarshal(kv.Value, &service); err != nil {
			continue // Skip malformed entries
		}
		services = append(services, &service)
	}
	return services, nil
}

// DeleteService removes a service definition and its instances
func (s *EtcdStore) DeleteService(ctx context.Context, id string) error {
	resp, err := s.client.Delete(ctx, servicePrefix+id)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return errors.NewServiceNotFoundError(id)
	}

	_, err = s.client.Delete(ctx, instancePrefix+id+"/", clientv3.WithPrefix())
	if err != nil {
		return err
	}

	for _, lease := range s.leases.takePrefix(instancePrefix + id + "/") {
		s.client.Revoke(ctx, lease)
	}
	return nil
}

// PutInstance records an instance under its service with a TTL lease
func (s *EtcdStore) PutInstance(ctx context.Context, instance *domain.Instance) error {
	if _, err := s.GetService(ctx, instance.ServiceID); err != nil {
		return err
	}

	lease, err := s.client.Grant(ctx, instanceLeaseTTL)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instancePrefix + instance.ServiceID + "/" + instance.ID
	if _, err := s.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// A re-put of the same instance replaces the lease; revoke the old one
	// so its keepalive ends.
	if prior := s.leases.put(key, lease.ID); prior != 0 {
		s.client.Revoke(ctx, prior)
	}

	// Renew the lease in the background; if the process dies the record
	// expires on its own. Revoking the lease closes ch and ends the drain
	// goroutine.
	ch, err := s.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()
	return nil
}

// DeleteInstance removes an instance record and revokes its lease, which
// also stops the keepalive started in PutInstance
func (s *EtcdStore) DeleteInstance(ctx context.Context, serviceID, instanceID string) error {
	key := instancePrefix + serviceID + "/" + instanceID
	resp, err := s.client.Delete(ctx, key)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return errors.NewInstanceNotFoundError(instanceID)
	}

	if id, exists := s.leases.take(key); exists {
		// Best effort; an unrevoked lease still expires at its TTL.
		s.client.Revoke(ctx, id)
	}
	return nil
}

// ListInstances returns all instance records for a service
func (s *EtcdStore) ListInstances(ctx context.Context, serviceID string) ([]*domain.Instance, error) {
	resp, err := s.client.Get(ctx, instancePrefix+serviceID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]*domain.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance domain.Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, &instance)
	}
	return instances, nil
}

// Close closes the underlying etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
