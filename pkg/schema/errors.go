package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeConnector         = "CONNECTOR_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// IdflowError is the structured error type shared by the engines.
type IdflowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID int64          `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *IdflowError) Error() string {
	if e.ActionID != 0 {
		return fmt.Sprintf("[%s] action %d: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *IdflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure may succeed on a later attempt.
func (e *IdflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnector, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new IdflowError.
func NewError(code, message string) *IdflowError {
	return &IdflowError{Code: code, Message: message}
}

// NewErrorf creates a new IdflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *IdflowError {
	return &IdflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an action ID to the error.
func (e *IdflowError) WithAction(actionID int64) *IdflowError {
	e.ActionID = actionID
	return e
}

// WithCause attaches an underlying cause.
func (e *IdflowError) WithCause(err error) *IdflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *IdflowError) WithDetails(details map[string]any) *IdflowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) an IdflowError with the given code.
func HasCode(err error, code string) bool {
	var ie *IdflowError
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}
