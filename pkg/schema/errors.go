package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeRemoteInvocation  = "REMOTE_INVOCATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeThreadSafety      = "THREAD_SAFETY_VIOLATION"
	ErrCodeCancellationRace  = "CANCELLATION_RACE"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeMaxStepsExceeded  = "MAX_STEPS_EXCEEDED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodePathDenied        = "PATH_DENIED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeMaxDepthExceeded  = "MAX_DEPTH_EXCEEDED"
	ErrCodeNodePanic         = "NODE_PANIC"
)

// GraphError is the structured error type for all graph engine operations.
type GraphError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GraphError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GraphError.
func NewError(code, message string) *GraphError {
	return &GraphError{Code: code, Message: message}
}

// NewErrorf creates a new GraphError with a formatted message.
func NewErrorf(code, format string, args ...any) *GraphError {
	return &GraphError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *GraphError) WithNode(nodeID string) *GraphError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *GraphError) WithCause(err error) *GraphError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GraphError) WithDetails(details map[string]any) *GraphError {
	e.Details = details
	return e
}

// IsRetryable reports whether a node failing with this error may be retried.
// Configuration problems and programming-error guards never are.
func (e *GraphError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRemoteInvocation, ErrCodeTimeout, ErrCodeExecution:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must terminate the whole run rather than
// a single node.
func (e *GraphError) IsFatal() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeThreadSafety, ErrCodeMaxStepsExceeded, ErrCodeMaxDepthExceeded:
		return true
	default:
		return false
	}
}

// HasCode reports whether err is a GraphError carrying code.
func HasCode(err error, code string) bool {
	var ge *GraphError
	if errors.As(err, &ge) && ge != nil {
		return ge.Code == code
	}
	return false
}

// AsGraphError converts any error into a GraphError, keeping existing ones
// and wrapping others under fallbackCode.
func AsGraphError(err error, fallbackCode string) *GraphError {
	if err == nil {
		return nil
	}
	var ge *GraphError
	if errors.As(err, &ge) {
		return ge
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

// ConfigurationError reports bad graph or node configuration.
func ConfigurationError(format string, args ...any) *GraphError {
	return NewErrorf(ErrCodeConfiguration, format, args...)
}

// RemoteInvocationError reports a failed model, tool or sandbox call.
func RemoteInvocationError(cause error, format string, args ...any) *GraphError {
	return NewErrorf(ErrCodeRemoteInvocation, format, args...).WithCause(cause)
}
