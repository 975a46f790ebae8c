package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeSerialization = "SERIALIZATION_ERROR"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeBackup        = "BACKUP_ERROR"
)

// FlowError is the structured error type for all flowstate operations.
// Callers inspect Code to distinguish a missing record from a storage or
// serialization fault; no operation in this module panics.
type FlowError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Cause       error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.ExecutionID != "" {
		return fmt.Sprintf("[%s] execution %s: %s", e.Code, e.ExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithExecution attaches an execution ID to the error.
func (e *FlowError) WithExecution(executionID string) *FlowError {
	e.ExecutionID = executionID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsNotFound reports whether err is a FlowError with code NOT_FOUND.
func IsNotFound(err error) bool {
	fe, ok := err.(*FlowError)
	return ok && fe.Code == ErrCodeNotFound
}
