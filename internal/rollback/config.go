// Package rollback undoes the side effects of a failed onboarding: it runs a
// restore step, verifies the account is gone, and retries both on failure.
package rollback

import "time"

const (
	// DefaultTimeout bounds a single rollback attempt.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of extra attempts after a failed rollback.
	DefaultMaxRetries = 2
)

// Config holds configuration for rollback behavior.
type Config struct {
	// Timeout is the maximum time for one rollback attempt.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of times to retry rollback if it fails.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
	}
}
