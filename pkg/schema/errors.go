package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeClaimConflict     = "CLAIM_CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnknownJobType    = "UNKNOWN_JOB_TYPE"
	ErrCodeNonRetryable      = "NON_RETRYABLE"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
)

// AutomationError is the structured error type for all automation-core operations.
type AutomationError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AutomationError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("[%s] job %s: %s", e.Code, e.JobID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AutomationError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code is worth retrying.
// Validation-shaped failures are permanent; execution-shaped ones are not.
func (e *AutomationError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeNotFound, ErrCodeConflict, ErrCodeClaimConflict,
		ErrCodeInvalidTransition, ErrCodeUnknownJobType, ErrCodeNonRetryable,
		ErrCodeRetryExhausted:
		return false
	default:
		return true
	}
}

// NewError creates a new AutomationError.
func NewError(code, message string) *AutomationError {
	return &AutomationError{Code: code, Message: message}
}

// NewErrorf creates a new AutomationError with a formatted message.
func NewErrorf(code, format string, args ...any) *AutomationError {
	return &AutomationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithJob attaches a job ID to the error.
func (e *AutomationError) WithJob(jobID string) *AutomationError {
	e.JobID = jobID
	return e
}

// WithCause attaches an underlying cause.
func (e *AutomationError) WithCause(err error) *AutomationError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AutomationError) WithDetails(details map[string]any) *AutomationError {
	e.Details = details
	return e
}
