package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a workflow failure. The HTTP surface translates kinds to
// status codes exactly once; the core never maps to HTTP itself.
type Kind string

// All failure kinds the workflow service raises.
const (
	KindValidation         Kind = "VALIDATION"
	KindInvalidState       Kind = "INVALID_STATE"
	KindNotFound           Kind = "NOT_FOUND"
	KindForbidden          Kind = "FORBIDDEN"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	KindConflict           Kind = "CONFLICT"
	KindInternal           Kind = "INTERNAL"
)

// Error is the tagged error every workflow operation returns on failure.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value pair for the surface layer to expose.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[key] = value
	return e
}

// Validationf reports a malformed input.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidStatef reports a forbidden transition or a lost version race.
func InvalidStatef(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a missing entity. Visibility failures use the same kind so
// existence is not leaked.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf reports a role or ownership denial.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// PreconditionFailedf reports a business rule below the state machine.
func PreconditionFailedf(format string, args ...any) *Error {
	return &Error{Kind: KindPreconditionFailed, Message: fmt.Sprintf(format, args...)}
}

// Conflictf reports a uniqueness violation, including idempotency-key reuse
// with a different payload.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected store error. The message stays generic; the
// cause is logged, never returned to callers.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}

// KindOf extracts the failure kind, defaulting to Internal for untyped errors.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindInternal
}

// AsError converts any error into a tagged workflow error, passing typed
// errors through untouched.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	return Internal(err)
}
