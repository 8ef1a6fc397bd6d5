// Package policy gates every inter-service call with authorization,
// rate-limit and circuit-breaker checks, evaluated in that order with
// short-circuit on the first deny.
package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/pkg/logger"
)

// Engine evaluates policies per call
type Engine struct {
	logger         *logger.Logger
	defaultBreaker domain.CircuitBreakerConfig

	mu       sync.RWMutex
	policies []*domain.Policy
	limiters map[string]*rate.Limiter
	breakers map[string]*CircuitBreaker
}

// NewEngine creates a policy engine. defaultBreaker applies to targets
// without a circuit_breaker policy of their own.
func NewEngine(defaultBreaker domain.CircuitBreakerConfig, log *logger.Logger) *Engine {
	return &Engine{
		logger:         log.PolicyEngineLogger(),
		defaultBreaker: defaultBreaker,
		limiters:       make(map[string]*rate.Limiter),
		breakers:       make(map[string]*CircuitBreaker),
	}
}

// AddPolicy registers a policy. A policy with the same name replaces the
// previous one.
func (e *Engine) AddPolicy(p *domain.Policy) error {
	if p == nil || p.Name == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "policy_engine", "policy name cannot be empty")
	}
	switch p.Kind {
	case domain.PolicyRetry, domain.PolicyTimeout, domain.PolicyRateLimit,
		domain.PolicyCircuitBreaker, domain.PolicyAuthorization:
	default:
		return errors.NewError(errors.ErrCodeInvalidConfig, "policy_engine",
			"unknown policy kind: "+string(p.Kind))
	}
	if p.Target == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "policy_engine", "policy target cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.policies {
		if existing.Name == p.Name {
			e.policies[i] = p
			e.invalidateLocked(p.Target)
			return nil
		}
	}
	e.policies = append(e.policies, p)
	e.invalidateLocked(p.Target)

	e.logger.WithField("policy", p.Name).
		WithField("kind", string(p.Kind)).
		WithField("target", p.Target).
		Info("Registered policy")
	return nil
}

// RemovePolicy removes a policy by name
func (e *Engine) RemovePolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.policies {
		if p.Name == name {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			e.invalidateLocked(p.Target)
			return
		}
	}
}

// invalidateLocked drops derived limiter/breaker state after a policy
// change; caller holds the write lock
func (e *Engine) invalidateLocked(target string) {
	if target == domain.PolicyTargetAll {
		e.limiters = make(map[string]*rate.Limiter)
		e.breakers = make(map[string]*CircuitBreaker)
		return
	}
	delete(e.limiters, target)
	delete(e.breakers, target)
}

// matching returns the enabled policies of one kind that apply to target
func (e *Engine) matching(kind domain.PolicyKind, target string) []*domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched []*domain.Policy
	for _, p := range e.policies {
		if p.Kind == kind && p.Matches(target) {
			matched = append(matched, p)
		}
	}
	return matched
}

// Authorize gates a call from source to target/endpoint. The checks run in
// order and stop at the first deny:
//
//  1. authorization policies: a deny policy admits only the sources it
//     lists (an empty list blocks everyone); no matching policy means allow
//  2. rate-limit policies: token bucket per target
//  3. circuit breaker: an open breaker rejects until recovery
func (e *Engine) Authorize(sourceService, targetService, endpoint string) error {
	for _, p := range e.matching(domain.PolicyAuthorization, targetService) {
		action := cfgString(p.Config, "action", "allow")
		if action != "deny" {
			continue
		}
		if !containsString(cfgStrings(p.Config, "sources"), sourceService) {
			e.logger.WithField("source", sourceService).
				WithField("target", targetService).
				WithField("policy", p.Name).
				Debug("Call denied by authorization policy")
			return errors.NewAuthorizationDeniedError(sourceService, targetService)
		}
	}

	for _, p := range e.matching(domain.PolicyRateLimit, targetService) {
		if !e.limiter(targetService, p).Allow() {
			e.logger.WithField("target", targetService).
				WithField("policy", p.Name).
				Debug("Call denied by rate limit")
			return errors.NewRateLimitError(targetService)
		}
	}

	if !e.breaker(targetService).Allow() {
		e.logger.WithField("target", targetService).
			Debug("Call denied by open circuit breaker")
		return errors.NewCircuitOpenError(targetService)
	}

	return nil
}

// RecordSuccess feeds a successful call outcome to the target's breaker
func (e *Engine) RecordSuccess(targetService string) {
	e.breaker(targetService).RecordSuccess()
}

// RecordFailure feeds a failed call outcome to the target's breaker
func (e *Engine) RecordFailure(targetService string) {
	e.breaker(targetService).RecordFailure()
}

// BreakerState exposes the breaker state for a target
func (e *Engine) BreakerState(targetService string) BreakerState {
	return e.breaker(targetService).State()
}

// RetryAttempts returns the retry budget for calls to target
func (e *Engine) RetryAttempts(targetService string, fallback int) int {
	for _, p := range e.matching(domain.PolicyRetry, targetService) {
		if attempts := cfgInt(p.Config, "max_attempts", 0); attempts > 0 {
			return attempts
		}
	}
	return fallback
}

// CallTimeout returns the per-call timeout for target
func (e *Engine) CallTimeout(targetService string, fallback time.Duration) time.Duration {
	for _, p := range e.matching(domain.PolicyTimeout, targetService) {
		if d := cfgDuration(p.Config, "duration", 0); d > 0 {
			return d
		}
	}
	return fallback
}

// limiter returns (creating if needed) the rate limiter for a target
func (e *Engine) limiter(target string, p *domain.Policy) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limiter, exists := e.limiters[target]; exists {
		return limiter
	}

	rps := cfgFloat(p.Config, "requests_per_second", 100)
	burst := cfgInt(p.Config, "burst", int(rps))
	if burst < 1 {
		burst = 1
	}

	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	e.limiters[target] = limiter
	return limiter
}

// breaker returns (creating if needed) the circuit breaker for a target
func (e *Engine) breaker(target string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, exists := e.breakers[target]; exists {
		return breaker
	}

	config := e.defaultBreaker
	for _, p := range e.policies {
		if p.Kind == domain.PolicyCircuitBreaker && p.Matches(target) {
			config = domain.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: cfgInt(p.Config, "failure_threshold", config.FailureThreshold),
				RecoveryTimeout:  cfgDuration(p.Config, "recovery_timeout", config.RecoveryTimeout),
				HalfOpenProbes:   cfgInt(p.Config, "half_open_probes", config.HalfOpenProbes),
			}
			break
		}
	}

	breaker := NewCircuitBreaker(config, e.logger)
	e.breakers[target] = breaker
	return breaker
}

// Config bag helpers. Policy configs arrive from YAML or JSON, so numeric
// values may be int, int64 or float64.

func cfgString(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

func cfgFloat(m map[string]interface{}, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func cfgInt(m map[string]interface{}, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func cfgDuration(m map[string]interface{}, key string, fallback time.Duration) time.Duration {
	switch v := m[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}

func cfgStrings(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
