package policy

import (
	"sync"
	"time"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	// StateClosed - calls pass through
	StateClosed BreakerState = iota
	// StateOpen - calls are rejected until the recovery timeout elapses
	StateOpen
	// StateHalfOpen - a limited number of probe calls test recovery
	StateHalfOpen
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one target service
type CircuitBreaker struct {
	config domain.CircuitBreakerConfig
	logger *logger.Logger

	state        BreakerState
	failures     int
	probes       int
	successCount int
	nextAttempt  time.Time

	mu sync.Mutex
}

// NewCircuitBreaker creates a breaker in the closed state
func NewCircuitBreaker(config domain.CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 3
	}
	return &CircuitBreaker{
		config: config,
		logger: log,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed
func (cb *CircuitBreaker) Allow() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Now().After(cb.nextAttempt) {
			cb.state = StateHalfOpen
			cb.probes = 0
			cb.successCount = 0
			cb.logger.Info("Circuit breaker transitioning to half-open state")
			cb.probes++
			return true
		}
		return false

	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenProbes {
			cb.probes++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.HalfOpenProbes {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.successCount = 0
			cb.logger.Info("Circuit breaker closing after successful recovery")
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
			cb.logger.WithField("failures", cb.failures).
				Warn("Circuit breaker opening due to failures")
		}

	case StateHalfOpen:
		cb.open()
		cb.logger.Info("Circuit breaker opening again after failure in half-open state")
	}
}

// open transitions to the open state; caller holds the lock
func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.nextAttempt = time.Now().Add(cb.config.RecoveryTimeout)
	cb.probes = 0
	cb.successCount = 0
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
