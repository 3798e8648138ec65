package lifecycle

import (
	"errors"
	"net/http"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/secure"
)

// Status is the overall outcome of an operation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailure        Status = "failure"
)

// Result is what every lifecycle operation returns. Code is the HTTP-style
// status a transport should answer with.
type Result struct {
	Status     Status
	Code       int
	Message    string
	FailedStep string
	Err        error

	// JournalID identifies the journal entry recorded for the operation.
	JournalID string

	// Key is set by operations that mint an access key. Its secret must be
	// wiped by the caller once shown.
	Key *IssuedKey

	Keys      []metadata.AccessKey
	KeySecret *metadata.KeySecret
	Accounts  []AccessibleAccount
	Onboarded []string
}

// IssuedKey is a freshly minted access key.
type IssuedKey struct {
	AccessKeyID     string
	Secret          *secure.Secret
	AccountID       string
	UserName        string
	ExpiryDateEpoch int64
}

// OK reports whether the operation fully succeeded.
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

func success(code int, message string) *Result {
	return &Result{Status: StatusSuccess, Code: code, Message: message}
}

// partial reports that the operation's main effect is in place but step
// failed, leaving drift for an operator to reconcile.
func partial(step, message string, err error) *Result {
	return &Result{
		Status:     StatusPartialSuccess,
		Code:       http.StatusMultiStatus,
		Message:    message,
		FailedStep: step,
		Err:        ierrors.Degraded(step, message, err),
	}
}

// failure converts a classified error into a failed result.
func failure(err error) *Result {
	var opErr *ierrors.OperationError
	if !errors.As(err, &opErr) {
		opErr = ierrors.Dependency("", "Internal error", err)
	}
	return &Result{
		Status:     StatusFailure,
		Code:       codeFor(opErr.Kind),
		Message:    opErr.Message,
		FailedStep: opErr.Step,
		Err:        opErr,
	}
}

func codeFor(kind ierrors.Kind) int {
	switch kind {
	case ierrors.KindValidation:
		return http.StatusBadRequest
	case ierrors.KindAuthorization:
		return http.StatusForbidden
	case ierrors.KindNotFound:
		return http.StatusNotFound
	case ierrors.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
