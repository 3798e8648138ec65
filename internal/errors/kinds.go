package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure.
type Kind int

const (
	// KindUnknown is returned by KindOf for errors that were never classified.
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// OperationError is a classified failure of a lifecycle operation.
// Message is safe to show to the caller; Err carries the collaborator detail.
type OperationError struct {
	Kind    Kind
	Op      string
	Step    string
	Message string
	// Fatal is only meaningful for KindDependency. A degraded dependency
	// failure lets the operation continue and report partial success.
	Fatal bool
	Err   error
}

func (e *OperationError) Error() string {
	msg := e.Message
	if e.Step != "" {
		msg = fmt.Sprintf("%s [step %s]", msg, e.Step)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Validation builds a validation failure. These are raised before any backend call.
func Validation(message string) *OperationError {
	return &OperationError{Kind: KindValidation, Message: message}
}

// Unauthorized builds an authorization failure.
func Unauthorized(message string) *OperationError {
	return &OperationError{Kind: KindAuthorization, Message: message}
}

// NotFound builds a not-found failure.
func NotFound(message string) *OperationError {
	return &OperationError{Kind: KindNotFound, Message: message}
}

// Conflict builds a conflict failure.
func Conflict(message string) *OperationError {
	return &OperationError{Kind: KindConflict, Message: message}
}

// Dependency builds a fatal dependency failure for the given step.
func Dependency(step, message string, err error) *OperationError {
	return &OperationError{Kind: KindDependency, Step: step, Message: message, Fatal: true, Err: err}
}

// Degraded builds a non-fatal dependency failure for the given step.
func Degraded(step, message string, err error) *OperationError {
	return &OperationError{Kind: KindDependency, Step: step, Message: message, Err: err}
}

// KindOf returns the Kind of the first OperationError in err's chain.
func KindOf(err error) Kind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err is a fatal failure. Anything that is not a
// degraded dependency failure counts as fatal.
func IsFatal(err error) bool {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind != KindDependency || opErr.Fatal
	}
	return err != nil
}
