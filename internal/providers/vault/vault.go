// Package vault is the HTTP client for the secret store backing IAM service
// accounts: KV reads and writes, ACL policies, token introspection and the
// auth backends (ldap, userpass, approle, aws) that principals live in.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/systmms/iamsvc/internal/logging"
)

const (
	DefaultVaultAddr = "https://vault.example.com:8200"
	DefaultTimeout   = 30 * time.Second
)

// Config holds Vault-specific configuration
type Config struct {
	Address    string `yaml:"address"`     // Vault server address
	Token      string `yaml:"token"`       // Service token (discouraged, use env var)
	AuthMethod string `yaml:"auth_method"` // Authentication method: token, userpass, ldap, approle
	Namespace  string `yaml:"namespace"`   // Vault namespace (Vault Enterprise)

	UserpassUsername string `yaml:"userpass_username"`
	UserpassPassword string `yaml:"userpass_password"`
	LDAPUsername     string `yaml:"ldap_username"`
	LDAPPassword     string `yaml:"ldap_password"`
	RoleID           string `yaml:"role_id"`   // For approle auth
	SecretID         string `yaml:"secret_id"` // For approle auth (discouraged)

	TLSSkip   bool `yaml:"tls_skip"`
	TimeoutMs int  `yaml:"timeout_ms"`
}

// ApplyEnv overrides the configuration from the usual VAULT_* variables.
func (c *Config) ApplyEnv() {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		c.Address = addr
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.Token = token
	}
	if namespace := os.Getenv("VAULT_NAMESPACE"); namespace != "" {
		c.Namespace = namespace
	}
	if roleID := os.Getenv("VAULT_ROLE_ID"); roleID != "" {
		c.RoleID = roleID
	}
	if secretID := os.Getenv("VAULT_SECRET_ID"); secretID != "" {
		c.SecretID = secretID
	}
}

// Validate checks that the configuration can be used to build a client.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("vault address is required")
	}
	switch c.AuthMethod {
	case "", "token":
	case "userpass":
		if c.UserpassUsername == "" {
			return fmt.Errorf("userpass_username is required for userpass auth")
		}
	case "ldap":
		if c.LDAPUsername == "" {
			return fmt.Errorf("ldap_username is required for ldap auth")
		}
	case "approle":
		if c.RoleID == "" {
			return fmt.Errorf("role_id is required for approle auth")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

// Secret is the data section of a Vault read response
type Secret struct {
	Data     map[string]interface{} `json:"data"`
	Warnings []string               `json:"warnings,omitempty"`
}

// StatusError is returned for any non-success HTTP status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vault %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0 when err did not come
// from a Vault response.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from Vault.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsForbidden reports whether err is a 403 from Vault.
func IsForbidden(err error) bool {
	return StatusCode(err) == http.StatusForbidden
}

// StringList decodes a JSON value that Vault renders either as a list of
// strings or, for single policies, as a bare string.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = StringList{single}
	return nil
}

// TokenInfo is the subset of auth/token/lookup-self the core relies on.
type TokenInfo struct {
	DisplayName      string            `json:"display_name"`
	EntityID         string            `json:"entity_id"`
	Path             string            `json:"path"`
	Policies         StringList        `json:"policies"`
	IdentityPolicies StringList        `json:"identity_policies"`
	Meta             map[string]string `json:"meta"`
}

// Username returns the login name recorded for the token.
func (t *TokenInfo) Username() string {
	if t.Meta != nil {
		if u := t.Meta["username"]; u != "" {
			return u
		}
	}
	return t.DisplayName
}

// Client is the HTTP client for Vault. All calls run with the client's own
// service token unless a method takes an explicit token.
type Client struct {
	config     Config
	token      string
	httpClient *http.Client
	logger     *logging.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client (for testing)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for request tracing
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client. Call Authenticate before use unless a token
// is configured.
func NewClient(config Config, opts ...Option) *Client {
	if config.Address == "" {
		config.Address = DefaultVaultAddr
	}
	if config.AuthMethod == "" {
		config.AuthMethod = "token"
	}
	c := &Client{
		config: config,
		token:  config.Token,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = c.newHTTPClient()
	}
	return c
}

// Token returns the token the client currently acts with.
func (c *Client) Token() string {
	return c.token
}

// Config returns a copy of the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Ping verifies connectivity with the sys/health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "sys/health", nil, "")
	return err
}
