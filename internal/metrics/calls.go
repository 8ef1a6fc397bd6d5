package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// CallStats is an immutable snapshot of call counters for one service
type CallStats struct {
	Requests       int64   `json:"requests"`
	Errors         int64   `json:"errors"`
	TotalLatencyMs int64   `json:"total_latency_ms"`
	MinLatencyMs   int64   `json:"min_latency_ms"`
	MaxLatencyMs   int64   `json:"max_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Sub returns the stats accumulated since an earlier snapshot
func (s CallStats) Sub(earlier CallStats) CallStats {
	diff := CallStats{
		Requests:       s.Requests - earlier.Requests,
		Errors:         s.Errors - earlier.Errors,
		TotalLatencyMs: s.TotalLatencyMs - earlier.TotalLatencyMs,
		MinLatencyMs:   s.MinLatencyMs,
		MaxLatencyMs:   s.MaxLatencyMs,
	}
	diff.finalize()
	return diff
}

func (s *CallStats) finalize() {
	if s.Requests > 0 {
		s.SuccessRate = float64(s.Requests-s.Errors) / float64(s.Requests) * 100
		s.AvgLatencyMs = float64(s.TotalLatencyMs) / float64(s.Requests)
	}
}

// ErrorRate returns the fraction of failed calls in percent
func (s CallStats) ErrorRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Requests) * 100
}

// serviceCounters holds the mutable counters for one service
type serviceCounters struct {
	requests     int64
	errors       int64
	totalLatency int64
	minLatency   int64
	maxLatency   int64
	lastCall     time.Time
}

// CallMetrics tracks inter-service call outcomes per target service
type CallMetrics struct {
	totalRequests int64
	totalErrors   int64
	totalLatency  int64

	mu       sync.RWMutex
	services map[string]*serviceCounters
}

// NewCallMetrics creates an empty metrics tracker
func NewCallMetrics() *CallMetrics {
	return &CallMetrics{
		services: make(map[string]*serviceCounters),
	}
}

// RecordCall records the outcome of one call to a target service
func (m *CallMetrics) RecordCall(serviceID string, duration time.Duration, success bool) {
	latencyMs := duration.Milliseconds()

	atomic.AddInt64(&m.totalRequests, 1)
	atomic.AddInt64(&m.totalLatency, latencyMs)
	if !success {
		atomic.AddInt64(&m.totalErrors, 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	counters := m.services[serviceID]
	if counters == nil {
		counters = &serviceCounters{minLatency: latencyMs, maxLatency: latencyMs}
		m.services[serviceID] = counters
	}

	counters.requests++
	counters.totalLatency += latencyMs
	counters.lastCall = time.Now()
	if !success {
		counters.errors++
	}
	if latencyMs < counters.minLatency {
		counters.minLatency = latencyMs
	}
	if latencyMs > counters.maxLatency {
		counters.maxLatency = latencyMs
	}
}

// ServiceStats returns a snapshot for one service
func (m *CallMetrics) ServiceStats(serviceID string) CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := m.services[serviceID]
	if counters == nil {
		return CallStats{}
	}

	stats := CallStats{
		Requests:       counters.requests,
		Errors:         counters.errors,
		TotalLatencyMs: counters.totalLatency,
		MinLatencyMs:   counters.minLatency,
		MaxLatencyMs:   counters.maxLatency,
	}
	stats.finalize()
	return stats
}

// Totals returns the aggregate snapshot across all services
func (m *CallMetrics) Totals() CallStats {
	stats := CallStats{
		Requests:       atomic.LoadInt64(&m.totalRequests),
		Errors:         atomic.LoadInt64(&m.totalErrors),
		TotalLatencyMs: atomic.LoadInt64(&m.totalLatency),
	}
	stats.finalize()
	return stats
}
