package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Capability error codes
const (
	ErrCapabilityFailure ErrorCode = "CAPABILITY_FAILURE"
	ErrPlanningFailure   ErrorCode = "PLANNING_FAILURE"
	ErrValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrModelNotFound     ErrorCode = "MODEL_NOT_FOUND"
	ErrTimeout           ErrorCode = "TIMEOUT"
)

// Engine error codes
const (
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrReplansExhausted ErrorCode = "REPLANS_EXHAUSTED"
	ErrTaskCancelled    ErrorCode = "TASK_CANCELLED"
	ErrInvalidState     ErrorCode = "INVALID_STATE"
	ErrReplanRejected   ErrorCode = "REPLAN_REJECTED"
	ErrNotSuspended     ErrorCode = "NOT_SUSPENDED"
)

// Storage error codes
const (
	ErrCheckpointMissing ErrorCode = "CHECKPOINT_MISSING"
	ErrRepositoryFailure ErrorCode = "REPOSITORY_FAILURE"
	ErrCompressionFailed ErrorCode = "COMPRESSION_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Node      string    `json:"node,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode records which node raised the error.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
