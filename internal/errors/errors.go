package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// BackendError wraps a collaborator error with a suggestion for the operator.
func BackendError(backend string, operation string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("%s error during %s", backend, operation),
		Suggestion: getBackendSuggestion(backend, err),
		Err:        err,
	}
}

// getBackendSuggestion returns helpful suggestions based on backend and error
func getBackendSuggestion(backend string, err error) string {
	errStr := err.Error()

	switch backend {
	case "vault":
		if strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "status 403") {
			return "Check that the token carries the IAM service account admin policy"
		}
		if strings.Contains(errStr, "not authenticated") || strings.Contains(errStr, "missing client token") {
			return "Run 'iamsvc login' or export VAULT_TOKEN"
		}
		if strings.Contains(errStr, "sealed") {
			return "Vault is sealed. Ask an operator to unseal it"
		}

	case "ldap":
		if strings.Contains(errStr, "status 404") {
			return "Verify the user or group exists in the directory"
		}

	case "oidc":
		if strings.Contains(errStr, "mount accessor") {
			return "Verify the oidc auth method is enabled at auth/oidc/"
		}

	case "aws", "aws-iam":
		if strings.Contains(errStr, "credentials") || strings.Contains(errStr, "authorization") {
			return "Configure AWS credentials: 'aws configure' or set AWS_PROFILE"
		}
		if strings.Contains(errStr, "AccessDenied") {
			return "Check that the assume role grants iam:CreateAccessKey and iam:DeleteAccessKey"
		}
		if strings.Contains(errStr, "LimitExceeded") {
			return "The IAM user already has two access keys. Delete one first"
		}
		if strings.Contains(errStr, "Throttling") {
			return "AWS rate limit exceeded. Wait a moment and try again"
		}
	}

	if strings.Contains(errStr, "timeout") {
		return "The operation timed out. Check your network connection and try again"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and backend configuration"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"rate limit",
		"throttling",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(strings.ToLower(errStr), pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}

	if _, ok := err.(UserError); ok {
		return err
	}
	if _, ok := err.(ConfigError); ok {
		return err
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return err
	}

	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "json:") {
		return UserError{
			Message:    "Invalid JSON document",
			Suggestion: "Validate the request file with 'jq . <file>'",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
