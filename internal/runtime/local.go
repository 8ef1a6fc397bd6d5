// Package runtime supplies the default collaborator implementations used by
// the orchestrator binary: a local in-process provisioner, an HTTP caller
// and a usage sampler. Embedders with a real container runtime swap these
// out at construction time.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// LocalProvisioner tracks instances as in-process records. It assigns
// node addresses from a configured pool round-robin.
type LocalProvisioner struct {
	nodes  []string
	logger *logger.Logger

	mu     sync.Mutex
	seq    uint64
	active map[string]*domain.Instance
}

// NewLocalProvisioner creates a provisioner over a node address pool
func NewLocalProvisioner(nodes []string, log *logger.Logger) *LocalProvisioner {
	if len(nodes) == 0 {
		nodes = []string{"localhost:9000"}
	}
	return &LocalProvisioner{
		nodes:  nodes,
		logger: log.WithField("component", "provisioner"),
		active: make(map[string]*domain.Instance),
	}
}

// Provision creates one instance record in the starting state
func (p *LocalProvisioner) Provision(ctx context.Context, service *domain.Service, version string) (*domain.Instance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	seq := atomic.AddUint64(&p.seq, 1)
	node := p.nodes[int(seq)%len(p.nodes)]
	instance := domain.NewInstance(
		fmt.Sprintf("%s-%d-%d", service.ID, time.Now().Unix(), seq),
		service.ID, node, version,
	)

	p.mu.Lock()
	p.active[instance.ID] = instance
	p.mu.Unlock()

	p.logger.WithField("service_id", service.ID).
		WithField("instance_id", instance.ID).
		WithField("node", node).
		Info("Provisioned instance")
	return instance, nil
}

// Terminate destroys an instance record
func (p *LocalProvisioner) Terminate(ctx context.Context, instanceID string) error {
	p.mu.Lock()
	_, exists := p.active[instanceID]
	delete(p.active, instanceID)
	p.mu.Unlock()

	if !exists {
		return errors.NewInstanceNotFoundError(instanceID)
	}
	p.logger.WithField("instance_id", instanceID).Info("Terminated instance")
	return nil
}

// ActiveCount returns the number of live instance records
func (p *LocalProvisioner) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// HTTPCaller invokes endpoints on instances over HTTP with JSON bodies
type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller creates a caller with a pooled transport
func NewHTTPCaller() *HTTPCaller {
	return &HTTPCaller{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Call POSTs the payload to the instance endpoint and decodes the JSON
// response
func (c *HTTPCaller) Call(ctx context.Context, instance *domain.Instance, endpoint string, payload map[string]interface{}) (*domain.CallResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s%s", instance.Node, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("endpoint %s returned status %d", endpoint, resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		// Non-JSON bodies are fine for fire-and-forget endpoints.
		data = nil
	}

	return &domain.CallResponse{Data: data, StatusCode: resp.StatusCode}, nil
}

// StaticMetrics is a MetricsSource fed by explicit samples. The binary
// wires it up so an external agent can push usage numbers; tests set
// samples directly.
type StaticMetrics struct {
	mu      sync.RWMutex
	samples map[string]domain.ResourceUsage
}

// NewStaticMetrics creates an empty metrics source
func NewStaticMetrics() *StaticMetrics {
	return &StaticMetrics{samples: make(map[string]domain.ResourceUsage)}
}

// Set records a usage sample for an instance
func (m *StaticMetrics) Set(instanceID string, usage domain.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[instanceID] = usage
}

// Remove drops the sample for an instance
func (m *StaticMetrics) Remove(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, instanceID)
}

// Usage returns the last sample for an instance
func (m *StaticMetrics) Usage(instanceID string) (domain.ResourceUsage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	usage, ok := m.samples[instanceID]
	return usage, ok
}
