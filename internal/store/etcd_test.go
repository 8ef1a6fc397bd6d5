package store

import (
	"testing"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/stretchr/testify/assert"
)

func TestLeaseTablePutAndTake(t *testing.T) {
	table := newLeaseTable()

	prior := table.put("/orchestrator/instances/orders/orders-1", clientv3.LeaseID(7))
	assert.Zero(t, prior)

	id, exists := table.take("/orchestrator/instances/orders/orders-1")
	assert.True(t, exists)
	assert.Equal(t, clientv3.LeaseID(7), id)

	// Taking again finds nothing; the lease is revoked exactly once
	_, exists = table.take("/orchestrator/instances/orders/orders-1")
	assert.False(t, exists)
}

func TestLeaseTablePutReturnsDisplacedLease(t *testing.T) {
	table := newLeaseTable()

	table.put("/orchestrator/instances/orders/orders-1", clientv3.LeaseID(7))
	prior := table.put("/orchestrator/instances/orders/orders-1", clientv3.LeaseID(8))
	assert.Equal(t, clientv3.LeaseID(7), prior)

	id, exists := table.take("/orchestrator/instances/orders/orders-1")
	assert.True(t, exists)
	assert.Equal(t, clientv3.LeaseID(8), id)
}

func TestLeaseTableTakePrefix(t *testing.T) {
	table := newLeaseTable()

	table.put("/orchestrator/instances/orders/orders-1", clientv3.LeaseID(1))
	table.put("/orchestrator/instances/orders/orders-2", clientv3.LeaseID(2))
	table.put("/orchestrator/instances/payments/payments-1", clientv3.LeaseID(3))

	taken := table.takePrefix("/orchestrator/instances/orders/")
	assert.ElementsMatch(t, []clientv3.LeaseID{1, 2}, taken)

	// The other service's lease is untouched
	id, exists := table.take("/orchestrator/instances/payments/payments-1")
	assert.True(t, exists)
	assert.Equal(t, clientv3.LeaseID(3), id)
}
