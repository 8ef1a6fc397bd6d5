package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors exports orchestrator metrics in prometheus format
type Collectors struct {
	registry     *prometheus.Registry
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	instances    *prometheus.GaugeVec
}

// NewCollectors creates and registers the orchestrator collectors
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		registry: reg,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_calls_total",
			Help: "Total inter-service calls by target service and outcome.",
		}, []string{"service", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_call_duration_seconds",
			Help:    "Inter-service call duration by target service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_instances",
			Help: "Instance count by service and health state.",
		}, []string{"service", "state"}),
	}

	reg.MustRegister(c.callsTotal, c.callDuration, c.instances)
	return c
}

// ObserveCall records one call outcome
func (c *Collectors) ObserveCall(serviceID string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.callsTotal.WithLabelValues(serviceID, outcome).Inc()
	c.callDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetInstances updates the instance gauge for one service/state pair
func (c *Collectors) SetInstances(serviceID, state string, count float64) {
	c.instances.WithLabelValues(serviceID, state).Set(count)
}

// Handler returns the /metrics HTTP handler
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
