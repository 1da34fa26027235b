package stage

import (
	"errors"
	"fmt"
)

// Stable error codes. The retry layer keys its transient/permanent decision
// off these; callers see them verbatim in stage results.
const (
	CodeValidation        = "validation_error"
	CodePrerequisite      = "prerequisite_not_met"
	CodeConcurrentRetry   = "concurrent_retry_in_progress"
	CodeTransientExternal = "transient_external"
	CodePermanentExternal = "permanent_external"
	CodeInternal          = "internal_error"
	CodeCancelled         = "cancelled"
	CodeUnknownStage      = "unknown_stage"
	CodeForbiddenInProd   = "forbidden_in_production"
)

// Error is the discriminated failure value stage executions produce and the
// resilience layer consumes. HTTPStatus is zero unless the failure came off
// an HTTP adapter.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a failure value with a stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a failure value with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying cause.
func WrapError(code string, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the stable code from an error chain, or CodeInternal when
// none is present.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// HTTPStatusOf extracts an HTTP status from an error chain. It understands
// both *Error values and any adapter error exposing HTTPStatusCode().
func HTTPStatusOf(err error) int {
	var se *Error
	if errors.As(err, &se) && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	var hs interface{ HTTPStatusCode() int }
	if errors.As(err, &hs) {
		return hs.HTTPStatusCode()
	}
	return 0
}
