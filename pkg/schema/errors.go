package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnmatchedBranch   = "UNMATCHED_BRANCH"
	ErrCodeStepLimit         = "STEP_LIMIT_EXCEEDED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeSchemaMismatch    = "SCHEMA_MISMATCH"
	ErrCodeClassifier        = "CLASSIFIER_ERROR"
	ErrCodeLabelMismatch     = "LABEL_MISMATCH"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodePermanent         = "PERMANENT_FAILURE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeVault             = "VAULT_ERROR"
)

// JourneyError is the structured error type for all engine operations.
type JourneyError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *JourneyError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *JourneyError) Unwrap() error {
	return e.Cause
}

// nonRetryableCodes are codes that no amount of retrying will fix:
// definition gaps, schema mismatches, and terminal classifications.
var nonRetryableCodes = map[string]struct{}{
	ErrCodeValidation:        {},
	ErrCodeNotFound:          {},
	ErrCodeConflict:          {},
	ErrCodeInvalidTransition: {},
	ErrCodeUnmatchedBranch:   {},
	ErrCodeStepLimit:         {},
	ErrCodeRetryExhausted:    {},
	ErrCodeSchemaMismatch:    {},
	ErrCodeLabelMismatch:     {},
	ErrCodeActionUnavailable: {},
	ErrCodePermanent:         {},
	ErrCodeCancelled:         {},
	ErrCodeVault:             {},
}

// IsRetryable reports whether the error code classifies as transient.
func (e *JourneyError) IsRetryable() bool {
	_, fatal := nonRetryableCodes[e.Code]
	return !fatal
}

// NewError creates a new JourneyError.
func NewError(code, message string) *JourneyError {
	return &JourneyError{Code: code, Message: message}
}

// NewErrorf creates a new JourneyError with a formatted message.
func NewErrorf(code, format string, args ...any) *JourneyError {
	return &JourneyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *JourneyError) WithNode(nodeID string) *JourneyError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *JourneyError) WithCause(err error) *JourneyError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *JourneyError) WithDetails(details map[string]any) *JourneyError {
	e.Details = details
	return e
}
