package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/orchestrator/internal/domain"
	"github.com/mir00r/orchestrator/internal/errors"
	"github.com/mir00r/orchestrator/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(domain.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenProbes:   2,
	}, testLogger(t))
}

func TestAddPolicyValidation(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name   string
		policy *domain.Policy
	}{
		{"nil policy", nil},
		{"empty name", &domain.Policy{Kind: domain.PolicyRetry, Target: "orders"}},
		{"unknown kind", &domain.Policy{Name: "p", Kind: "backoff", Target: "orders"}},
		{"empty target", &domain.Policy{Name: "p", Kind: domain.PolicyRetry}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.AddPolicy(tt.policy)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetErrorCode(err))
		})
	}
}

func TestAddPolicyReplacesByName(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "retries", Kind: domain.PolicyRetry, Target: "orders", Enabled: true,
		Config: map[string]interface{}{"max_attempts": 2},
	}))
	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "retries", Kind: domain.PolicyRetry, Target: "orders", Enabled: true,
		Config: map[string]interface{}{"max_attempts": 5},
	}))

	assert.Equal(t, 5, engine.RetryAttempts("orders", 1))
}

func TestAuthorizeAllowsWithoutPolicies(t *testing.T) {
	engine := newTestEngine(t)
	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))
}

func TestAuthorizeDenyPolicyAdmitsOnlyListedSources(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "lock-orders", Kind: domain.PolicyAuthorization, Target: "orders", Enabled: true,
		Config: map[string]interface{}{
			"action":  "deny",
			"sources": []interface{}{"web"},
		},
	}))

	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))

	err := engine.Authorize("batch", "orders", "/checkout")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthorizationDenied, errors.GetErrorCode(err))

	// Unrelated targets are unaffected
	assert.NoError(t, engine.Authorize("batch", "payments", "/charge"))
}

func TestAuthorizeDenyWithEmptySourcesBlocksEveryone(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "freeze", Kind: domain.PolicyAuthorization, Target: "orders", Enabled: true,
		Config: map[string]interface{}{"action": "deny"},
	}))

	err := engine.Authorize("web", "orders", "/checkout")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthorizationDenied, errors.GetErrorCode(err))
}

func TestAuthorizeDisabledPolicyIgnored(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "freeze", Kind: domain.PolicyAuthorization, Target: "orders", Enabled: false,
		Config: map[string]interface{}{"action": "deny"},
	}))

	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))
}

func TestRateLimitPolicy(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "throttle", Kind: domain.PolicyRateLimit, Target: "orders", Enabled: true,
		Config: map[string]interface{}{
			"requests_per_second": 1,
			"burst":               2,
		},
	}))

	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))
	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))

	err := engine.Authorize("web", "orders", "/checkout")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeRateLimitExceeded, errors.GetErrorCode(err))
}

func TestRemovePolicyRestoresAccess(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "freeze", Kind: domain.PolicyAuthorization, Target: "orders", Enabled: true,
		Config: map[string]interface{}{"action": "deny"},
	}))
	require.Error(t, engine.Authorize("web", "orders", "/checkout"))

	engine.RemovePolicy("freeze")
	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))
}

func TestWildcardPolicyAppliesToAllTargets(t *testing.T) {
	engine := newTestEngine(t)

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "global-deny", Kind: domain.PolicyAuthorization, Target: domain.PolicyTargetAll, Enabled: true,
		Config: map[string]interface{}{
			"action":  "deny",
			"sources": []interface{}{"admin"},
		},
	}))

	require.Error(t, engine.Authorize("web", "orders", "/checkout"))
	require.Error(t, engine.Authorize("web", "payments", "/charge"))
	assert.NoError(t, engine.Authorize("admin", "orders", "/checkout"))
}

func TestBreakerOpensAfterFailureThreshold(t *testing.T) {
	engine := newTestEngine(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, engine.Authorize("web", "orders", "/checkout"))
		engine.RecordFailure("orders")
	}

	assert.Equal(t, StateOpen, engine.BreakerState("orders"))

	err := engine.Authorize("web", "orders", "/checkout")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.GetErrorCode(err))

	// Per-target isolation: other services unaffected
	assert.NoError(t, engine.Authorize("web", "payments", "/charge"))
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	engine := newTestEngine(t)

	for i := 0; i < 3; i++ {
		engine.RecordFailure("orders")
	}
	require.Equal(t, StateOpen, engine.BreakerState("orders"))

	time.Sleep(60 * time.Millisecond)

	// Recovery timeout elapsed: probes admitted, successes close the breaker
	require.NoError(t, engine.Authorize("web", "orders", "/checkout"))
	engine.RecordSuccess("orders")
	require.NoError(t, engine.Authorize("web", "orders", "/checkout"))
	engine.RecordSuccess("orders")

	assert.Equal(t, StateClosed, engine.BreakerState("orders"))
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	engine := newTestEngine(t)

	for i := 0; i < 3; i++ {
		engine.RecordFailure("orders")
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, engine.Authorize("web", "orders", "/checkout"))
	engine.RecordFailure("orders")

	assert.Equal(t, StateOpen, engine.BreakerState("orders"))
}

func TestCallTimeoutAndRetryFallbacks(t *testing.T) {
	engine := newTestEngine(t)

	assert.Equal(t, 4, engine.RetryAttempts("orders", 4))
	assert.Equal(t, 2*time.Second, engine.CallTimeout("orders", 2*time.Second))

	require.NoError(t, engine.AddPolicy(&domain.Policy{
		Name: "timeout", Kind: domain.PolicyTimeout, Target: "orders", Enabled: true,
		Config: map[string]interface{}{"duration": "500ms"},
	}))

	assert.Equal(t, 500*time.Millisecond, engine.CallTimeout("orders", 2*time.Second))
}

func TestCircuitBreakerDisabledAlwaysAllows(t *testing.T) {
	engine := NewEngine(domain.CircuitBreakerConfig{Enabled: false}, testLogger(t))

	for i := 0; i < 20; i++ {
		engine.RecordFailure("orders")
	}
	assert.NoError(t, engine.Authorize("web", "orders", "/checkout"))
}
