package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Registry errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Routing errors
	ErrCodeNoHealthyInstance ErrorCode = "NO_HEALTHY_INSTANCE"

	// Policy errors
	ErrCodeRateLimitExceeded   ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrCodeAuthorizationDenied ErrorCode = "AUTHORIZATION_DENIED"

	// Deployment errors
	ErrCodeDeploymentTimeout          ErrorCode = "DEPLOYMENT_TIMEOUT"
	ErrCodeDeploymentValidationFailed ErrorCode = "DEPLOYMENT_VALIDATION_FAILED"
	ErrCodeDeploymentCancelled        ErrorCode = "DEPLOYMENT_CANCELLED"
	ErrCodeProvisioningFailed         ErrorCode = "PROVISIONING_FAILED"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// OrchestratorError represents a structured error with context
type OrchestratorError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"` // Original error
}

// Error implements the error interface
func (e *OrchestratorError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *OrchestratorError) Is(target error) bool {
	if t, ok := target.(*OrchestratorError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *OrchestratorError) WithMetadata(key string, value interface{}) *OrchestratorError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Reason returns the error code as the deny/failure reason string exposed
// to callers
func (e *OrchestratorError) Reason() string {
	return string(e.Code)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *OrchestratorError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeNotFound:
		return 404
	case ErrCodeConflict, ErrCodeDeploymentCancelled:
		return 409
	case ErrCodeNoHealthyInstance, ErrCodeCircuitOpen:
		return 503
	case ErrCodeRateLimitExceeded:
		return 429
	case ErrCodeAuthorizationDenied:
		return 403
	case ErrCodeDeploymentTimeout:
		return 504
	case ErrCodeProvisioningFailed:
		return 502
	case ErrCodeInvalidConfig:
		return 400
	case ErrCodeDeploymentValidationFailed, ErrCodeInternalError:
		return 500
	default:
		return 500
	}
}

// NewError creates a new OrchestratorError
func NewError(code ErrorCode, component, message string) *OrchestratorError {
	return &OrchestratorError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new OrchestratorError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *OrchestratorError {
	return &OrchestratorError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
		Details:   cause.Error(),
	}
}

// Common error constructors for frequently used errors

// NewServiceNotFoundError creates an error for an unknown service id
func NewServiceNotFoundError(serviceID string) *OrchestratorError {
	return NewError(
		ErrCodeNotFound,
		"registry",
		fmt.Sprintf("Service '%s' not found", serviceID),
	).WithMetadata("service_id", serviceID)
}

// NewInstanceNotFoundError creates an error for an unknown instance id
func NewInstanceNotFoundError(instanceID string) *OrchestratorError {
	return NewError(
		ErrCodeNotFound,
		"registry",
		fmt.Sprintf("Instance '%s' not found", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// NewDeploymentNotFoundError creates an error for an unknown deployment id
func NewDeploymentNotFoundError(deploymentID string) *OrchestratorError {
	return NewError(
		ErrCodeNotFound,
		"deployment",
		fmt.Sprintf("Deployment '%s' not found", deploymentID),
	).WithMetadata("deployment_id", deploymentID)
}

// NewInstanceConflictError creates an error for a duplicate instance id
func NewInstanceConflictError(instanceID string) *OrchestratorError {
	return NewError(
		ErrCodeConflict,
		"registry",
		fmt.Sprintf("Instance '%s' already exists", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// NewNoHealthyInstanceError creates an error when a service has no routable
// instance. Callers must treat this as service unavailable, not retryable
// without backoff.
func NewNoHealthyInstanceError(serviceID string) *OrchestratorError {
	return NewError(
		ErrCodeNoHealthyInstance,
		"load_balancer",
		fmt.Sprintf("No healthy instance available for service '%s'", serviceID),
	).WithMetadata("service_id", serviceID)
}

// NewRateLimitError creates an error for a rate-limited call
func NewRateLimitError(targetService string) *OrchestratorError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"policy_engine",
		fmt.Sprintf("Rate limit exceeded for service '%s'", targetService),
	).WithMetadata("target_service", targetService)
}

// NewCircuitOpenError creates an error for an open circuit breaker
func NewCircuitOpenError(targetService string) *OrchestratorError {
	return NewError(
		ErrCodeCircuitOpen,
		"policy_engine",
		fmt.Sprintf("Circuit breaker is open for service '%s'", targetService),
	).WithMetadata("target_service", targetService)
}

// NewAuthorizationDeniedError creates an error for a denied call
func NewAuthorizationDeniedError(sourceService, targetService string) *OrchestratorError {
	return NewError(
		ErrCodeAuthorizationDenied,
		"policy_engine",
		fmt.Sprintf("Service '%s' is not authorized to call '%s'", sourceService, targetService),
	).WithMetadata("source_service", sourceService).
		WithMetadata("target_service", targetService)
}

// NewDeploymentTimeoutError creates an error for a health gate timeout
func NewDeploymentTimeoutError(deploymentID string) *OrchestratorError {
	return NewError(
		ErrCodeDeploymentTimeout,
		"deployment",
		fmt.Sprintf("Deployment '%s' timed out waiting for instances to become healthy", deploymentID),
	).WithMetadata("deployment_id", deploymentID)
}

// NewDeploymentValidationError creates an error for a failed post-cutover check
func NewDeploymentValidationError(deploymentID, detail string) *OrchestratorError {
	return NewError(
		ErrCodeDeploymentValidationFailed,
		"deployment",
		fmt.Sprintf("Deployment '%s' failed validation: %s", deploymentID, detail),
	).WithMetadata("deployment_id", deploymentID)
}

// NewProvisioningError wraps a runtime provisioning failure
func NewProvisioningError(serviceID string, cause error) *OrchestratorError {
	return NewErrorWithCause(
		ErrCodeProvisioningFailed,
		"provisioner",
		fmt.Sprintf("Failed to provision instance for service '%s'", serviceID),
		cause,
	).WithMetadata("service_id", serviceID)
}

// Helper functions

// IsOrchestratorError checks if an error is an OrchestratorError
func IsOrchestratorError(err error) bool {
	var oErr *OrchestratorError
	return errors.As(err, &oErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var oErr *OrchestratorError
	if errors.As(err, &oErr) {
		return oErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var oErr *OrchestratorError
	if errors.As(err, &oErr) {
		return oErr.HTTPStatusCode()
	}
	return 500
}

// Reason extracts the stable reason string from an error
func Reason(err error) string {
	var oErr *OrchestratorError
	if errors.As(err, &oErr) {
		return oErr.Reason()
	}
	return string(ErrCodeInternalError)
}
