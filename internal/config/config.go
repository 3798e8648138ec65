package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
	"github.com/systmms/iamsvc/internal/providers/vault"
	"github.com/systmms/iamsvc/internal/rollback"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is used when no --config flag or IAMSVC_CONFIG is given.
	DefaultPath = "iamsvc.yaml"

	DefaultAdminPolicy   = "iamportal_admin_policy"
	DefaultRetentionDays = 90
)

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the iamsvc.yaml structure
type Definition struct {
	Version int          `yaml:"version"`
	Vault   vault.Config `yaml:"vault"`

	// AuthMode selects the directory users and groups live in: ldap, oidc or userpass.
	AuthMode string `yaml:"auth_mode"`

	// AdminPolicy is the policy that allows onboarding and offboarding.
	AdminPolicy string `yaml:"admin_policy"`

	// GlobalAdminPolicies mark a caller as global admin, bypassing
	// per-account checks.
	GlobalAdminPolicies []string `yaml:"global_admin_policies,omitempty"`

	// ReservedAppRoles can only be granted by holders of AdminPolicy.
	ReservedAppRoles []string `yaml:"reserved_approles,omitempty"`

	AWS           awsiam.Config      `yaml:"aws"`
	Notifications NotificationConfig `yaml:"notifications"`
	Journal       JournalConfig      `yaml:"journal"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Rollback      RollbackConfig     `yaml:"rollback"`
}

// JournalConfig controls where operation history is kept.
type JournalConfig struct {
	Dir           string `yaml:"dir,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// Retention returns how long journal entries are kept.
func (j JournalConfig) Retention() time.Duration {
	days := j.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// MetricsConfig controls metric export. Textfile is written after each
// command for the node exporter textfile collector.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// RollbackConfig holds configuration for onboarding rollback.
type RollbackConfig struct {
	// TimeoutSeconds is the maximum time for one rollback attempt (default: 30).
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRetries is the number of times to retry rollback if it fails (default: 2).
	MaxRetries *int `yaml:"max_retries,omitempty"`
}

// Manager converts the settings for the rollback package.
func (r RollbackConfig) Manager() rollback.Config {
	cfg := rollback.DefaultConfig()
	if r.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(r.TimeoutSeconds) * time.Second
	}
	if r.MaxRetries != nil && *r.MaxRetries >= 0 {
		cfg.MaxRetries = *r.MaxRetries
	}
	return cfg
}

// Load reads and parses the iamsvc.yaml file, then applies environment
// overrides and defaults.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return iamerrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create iamsvc.yaml or pass --config with the path to your configuration",
			}
		}
		return iamerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return iamerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return iamerrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your iamsvc.yaml file",
		}
	}

	def.ApplyEnv()
	def.applyDefaults()
	if err := def.Validate(); err != nil {
		return err
	}

	c.Definition = &def
	if c.Logger != nil {
		c.Logger.Debug("Loaded configuration from %s (auth mode %s)", c.Path, def.AuthMode)
	}
	return nil
}

// ApplyEnv overrides settings from the environment.
func (d *Definition) ApplyEnv() {
	d.Vault.ApplyEnv()
	if mode := os.Getenv("IAMSVC_AUTH_MODE"); mode != "" {
		d.AuthMode = mode
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		d.AWS.Region = region
	}
}

func (d *Definition) applyDefaults() {
	d.AuthMode = strings.ToLower(strings.TrimSpace(d.AuthMode))
	if d.AuthMode == "" {
		d.AuthMode = identity.ModeLDAP
	}
	if d.AdminPolicy == "" {
		d.AdminPolicy = DefaultAdminPolicy
	}
	if d.AWS.Region == "" {
		d.AWS.Region = awsiam.DefaultRegion
	}
	if d.AWS.KeyTTLDays <= 0 {
		d.AWS.KeyTTLDays = awsiam.DefaultKeyTTLDays
	}
}

// Validate checks settings that cannot be defaulted.
func (d *Definition) Validate() error {
	switch d.AuthMode {
	case identity.ModeLDAP, identity.ModeOIDC, identity.ModeUserpass:
	default:
		return iamerrors.ConfigError{
			Field:      "auth_mode",
			Value:      d.AuthMode,
			Message:    "unsupported auth mode",
			Suggestion: fmt.Sprintf("Use one of: %s, %s, %s", identity.ModeLDAP, identity.ModeOIDC, identity.ModeUserpass),
		}
	}

	if err := d.Vault.Validate(); err != nil {
		return iamerrors.ConfigError{
			Field:      "vault",
			Message:    err.Error(),
			Suggestion: "Set vault.address (or VAULT_ADDR) and the credentials for vault.auth_method",
		}
	}

	if email := d.Notifications.Email; email != nil {
		if email.SMTP.Host == "" {
			return iamerrors.ConfigError{
				Field:      "notifications.email.smtp.host",
				Message:    "SMTP host is required when email notifications are enabled",
				Suggestion: "Set notifications.email.smtp.host or remove the email section",
			}
		}
		if email.From == "" {
			return iamerrors.ConfigError{
				Field:      "notifications.email.from",
				Message:    "sender address is required when email notifications are enabled",
				Suggestion: "Set notifications.email.from",
			}
		}
	}

	for _, event := range d.Notifications.Events() {
		if !knownEvent(event) {
			return iamerrors.ConfigError{
				Field:      "notifications.email.events",
				Value:      event,
				Message:    "unknown notification event",
				Suggestion: "Valid events: " + strings.Join(knownEvents, ", "),
			}
		}
	}
	return nil
}
