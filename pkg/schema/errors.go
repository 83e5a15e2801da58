package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeExecution     = "EXECUTION_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCycleDetected = "CYCLE_DETECTED"
	ErrCodeUnknownQueue  = "UNKNOWN_QUEUE"
	ErrCodeCondition     = "CONDITION_ERROR"
	ErrCodeAdapter       = "ADAPTER_ERROR"
	ErrCodeAuth          = "AUTH_ERROR"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeBroker        = "BROKER_ERROR"
)

// RuntimeError is the structured error type for all runtime operations.
type RuntimeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Task    string         `json:"task,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RuntimeError) Error() string {
	if e.Task != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.Task, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RuntimeError.
func NewError(code, message string) *RuntimeError {
	return &RuntimeError{Code: code, Message: message}
}

// NewErrorf creates a new RuntimeError with a formatted message.
func NewErrorf(code, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTask attaches a task name to the error.
func (e *RuntimeError) WithTask(task string) *RuntimeError {
	e.Task = task
	return e
}

// WithCause attaches an underlying cause.
func (e *RuntimeError) WithCause(err error) *RuntimeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RuntimeError) WithDetails(details map[string]any) *RuntimeError {
	e.Details = details
	return e
}
