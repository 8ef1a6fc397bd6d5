package domain

import (
	"context"
	"time"
)

// Provisioner abstracts the container/process runtime that actually creates
// and destroys instances. The orchestrator never provisions anything itself.
type Provisioner interface {
	// Provision creates one instance of the service at the given version.
	// The returned instance must be in the starting state.
	Provision(ctx context.Context, service *Service, version string) (*Instance, error)
	// Terminate destroys a running instance
	Terminate(ctx context.Context, instanceID string) error
}

// Prober performs a single health probe against an instance using the
// service's health check descriptor. A nil return means the probe passed.
type Prober interface {
	Probe(ctx context.Context, service *Service, instance *Instance) error
}

// MetricsSource feeds per-instance CPU/memory/network numbers. The second
// return value is false when no sample exists for the instance yet.
type MetricsSource interface {
	Usage(instanceID string) (ResourceUsage, bool)
}

// CallResponse is what a target instance returns for an inter-service call
type CallResponse struct {
	Data       map[string]interface{}
	StatusCode int
}

// Caller performs the actual invocation of an endpoint on a selected
// instance. The network transport behind it is externally supplied.
type Caller interface {
	Call(ctx context.Context, instance *Instance, endpoint string, payload map[string]interface{}) (*CallResponse, error)
}

// CallResult is always returned by CallService, success or not, so callers
// can implement their own backoff without inspecting registry state.
type CallResult struct {
	Success      bool                   `json:"success"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ResponseTime time.Duration          `json:"-"`
	ResponseMs   int64                  `json:"response_time_ms"`
}
