package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/logging"
)

// TestUserErrorFormatting verifies UserError displays properly
func TestUserErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.UserError{
		Message:    "Operation failed",
		Details:    "Connection timeout",
		Suggestion: "Check network connectivity",
	}

	errMsg := err.Error()

	assert.Contains(t, errMsg, "Operation failed")
	assert.Contains(t, errMsg, "Connection timeout")
	assert.Contains(t, errMsg, "Check network connectivity")
}

func TestConfigErrorFormatting(t *testing.T) {
	t.Parallel()

	err := errors.ConfigError{
		Field:      "auth_mode",
		Value:      "kerberos",
		Message:    "unsupported auth mode",
		Suggestion: "Use one of: ldap, oidc, userpass",
	}

	errMsg := err.Error()
	assert.Contains(t, errMsg, "auth_mode")
	assert.Contains(t, errMsg, "kerberos")
	assert.Contains(t, errMsg, "unsupported auth mode")
	assert.Contains(t, errMsg, "ldap, oidc, userpass")
}

func TestBackendErrorSuggestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		backend  string
		err      error
		contains string
	}{
		{"vault forbidden", "vault", fmt.Errorf("vault returned status 403: permission denied"), "admin policy"},
		{"vault no token", "vault", fmt.Errorf("not authenticated"), "iamsvc login"},
		{"aws quota", "aws-iam", fmt.Errorf("LimitExceeded: cannot exceed quota"), "two access keys"},
		{"aws access denied", "aws", fmt.Errorf("AccessDenied: not allowed"), "iam:CreateAccessKey"},
		{"generic timeout", "ldap", fmt.Errorf("i/o timeout"), "timed out"},
		{"unknown", "oidc", fmt.Errorf("boom"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := errors.BackendError(tt.backend, "test", tt.err)
			var userErr errors.UserError
			require.True(t, stderrors.As(err, &userErr))
			if tt.contains == "" {
				assert.Empty(t, userErr.Suggestion)
				return
			}
			assert.Contains(t, userErr.Suggestion, tt.contains)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBackendErrorRedactsSecrets(t *testing.T) {
	t.Parallel()

	secretValue := "s.context-secret-token-xyz"
	baseErr := fmt.Errorf("login failed for token %s", logging.Secret(secretValue))

	errMsg := errors.BackendError("vault", "login", baseErr).Error()
	assert.Contains(t, errMsg, "[REDACTED]")
	assert.NotContains(t, errMsg, secretValue)
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errorMsg  string
		retryable bool
	}{
		{"timeout", "operation timeout", true},
		{"rate_limit", "rate limit exceeded", true},
		{"throttling", "Throttling: Rate exceeded", true},
		{"connection_reset", "connection reset by peer", true},
		{"not_found", "resource not found", false},
		{"nil_error", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var err error
			if tt.errorMsg != "" {
				err = stderrors.New(tt.errorMsg)
			}
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestSimplifyError(t *testing.T) {
	t.Parallel()

	yamlErr := errors.SimplifyError(fmt.Errorf("yaml: line 5: mapping values are not allowed"))
	_, ok := yamlErr.(errors.ConfigError)
	assert.True(t, ok)

	jsonErr := errors.SimplifyError(fmt.Errorf("json: invalid character"))
	assert.Contains(t, jsonErr.Error(), "Invalid JSON")

	opErr := errors.Conflict("already activated")
	assert.Same(t, opErr, errors.SimplifyError(opErr))

	assert.Nil(t, errors.SimplifyError(nil))
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"validation", errors.Validation("bad"), errors.KindValidation},
		{"authorization", errors.Unauthorized("no"), errors.KindAuthorization},
		{"not found", errors.NotFound("missing"), errors.KindNotFound},
		{"conflict", errors.Conflict("dup"), errors.KindConflict},
		{"dependency", errors.Dependency("step", "failed", stderrors.New("x")), errors.KindDependency},
		{"wrapped", fmt.Errorf("outer: %w", errors.NotFound("missing")), errors.KindNotFound},
		{"plain", stderrors.New("plain"), errors.KindUnknown},
		{"nil", nil, errors.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, errors.KindOf(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("backend down")
	assert.True(t, errors.IsFatal(errors.Dependency("policies", "failed", cause)))
	assert.False(t, errors.IsFatal(errors.Degraded("self-support-group", "failed", cause)))
	assert.True(t, errors.IsFatal(errors.Validation("bad")))
	assert.True(t, errors.IsFatal(cause))
	assert.False(t, errors.IsFatal(nil))
}

func TestOperationErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("status 500")
	err := errors.Dependency("create-policies", "Failed to create policies", cause)

	assert.Equal(t, "Failed to create policies [step create-policies]: status 500", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dependency", errors.KindDependency.String())
}
