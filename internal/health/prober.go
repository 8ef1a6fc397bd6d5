package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
)

// HTTPProber probes instances over HTTP using the service's health check
// descriptor. A 2xx response is a pass.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with a tuned transport
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// Probe implements domain.Prober
func (p *HTTPProber) Probe(ctx context.Context, service *domain.Service, instance *domain.Instance) error {
	path := service.HealthCheck.Path
	if path == "" {
		path = "/health"
	}
	probeURL := "http://" + instance.Node + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", "Orchestrator-HealthMonitor/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe failed with status %d", resp.StatusCode)
	}
	return nil
}
