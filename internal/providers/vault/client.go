package vault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/systmms/iamsvc/internal/logging"
)

// Authenticate performs authentication with Vault based on the configured method
func (c *Client) Authenticate(ctx context.Context) error {
	if c.token != "" {
		if err := c.validateToken(ctx); err == nil {
			return nil
		}
		c.token = ""
	}

	switch c.config.AuthMethod {
	case "token":
		return c.authenticateToken()
	case "userpass":
		return c.authenticateUserpass(ctx)
	case "ldap":
		return c.authenticateLDAP(ctx)
	case "approle":
		return c.authenticateAppRole(ctx)
	default:
		return fmt.Errorf("unsupported auth method: %s", c.config.AuthMethod)
	}
}

// Login exchanges directory credentials for a token without touching the
// client's own token. The CLI login command uses it for callers.
func (c *Client) Login(ctx context.Context, method, username, password string) (string, error) {
	switch method {
	case "ldap", "userpass":
	default:
		return "", fmt.Errorf("unsupported login method: %s", method)
	}
	return c.login(ctx, fmt.Sprintf("auth/%s/login/%s", method, username), map[string]interface{}{
		"password": password,
	})
}

// Read fetches the data at path. A missing path yields a *StatusError with 404.
func (c *Client) Read(ctx context.Context, path string) (*Secret, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var secret Secret
	if err := json.Unmarshal(body, &secret); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if secret.Data == nil {
		secret.Data = map[string]interface{}{}
	}
	return &secret, nil
}

// Write stores data at path
func (c *Client) Write(ctx context.Context, path string, data map[string]interface{}) error {
	_, err := c.do(ctx, http.MethodPost, path, data, "")
	return err
}

// Delete removes path
func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodDelete, path, nil, "")
	return err
}

// List returns the child names under path. A missing path yields a 404.
func (c *Client) List(ctx context.Context, path string) ([]string, error) {
	body, err := c.do(ctx, "LIST", path, nil, "")
	if err != nil {
		return nil, err
	}

	var response struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}
	return response.Data.Keys, nil
}

// LookupSelf introspects token. An empty token introspects the client's own.
func (c *Client) LookupSelf(ctx context.Context, token string) (*TokenInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "auth/token/lookup-self", nil, token)
	if err != nil {
		return nil, err
	}

	var response struct {
		Data *TokenInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode token lookup: %w", err)
	}
	if response.Data == nil {
		return nil, fmt.Errorf("token lookup returned no data")
	}
	return response.Data, nil
}

// PutPolicy creates or replaces an ACL policy
func (c *Client) PutPolicy(ctx context.Context, name, rules string) error {
	_, err := c.do(ctx, http.MethodPut, "sys/policies/acl/"+name, map[string]interface{}{
		"policy": rules,
	}, "")
	return err
}

// DeletePolicy removes an ACL policy. Vault answers 204 for absent policies.
func (c *Client) DeletePolicy(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "sys/policies/acl/"+name, nil, "")
	return err
}

// ReadPolicy returns the rules of an ACL policy
func (c *Client) ReadPolicy(ctx context.Context, name string) (string, error) {
	secret, err := c.Read(ctx, "sys/policies/acl/"+name)
	if err != nil {
		return "", err
	}
	rules, _ := secret.Data["policy"].(string)
	return rules, nil
}

// do issues a request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, token string) ([]byte, error) {
	if token == "" {
		token = c.token
	}
	path = strings.TrimPrefix(path, "/")
	if token == "" && !strings.HasPrefix(path, "sys/health") {
		return nil, fmt.Errorf("not authenticated")
	}

	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/" + path

	var reader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if token != "" {
		req.Header.Set("X-Vault-Token", token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	c.logger.Debug("vault %s %s", method, path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return body, nil
}

// authenticateToken validates or sets the token
func (c *Client) authenticateToken() error {
	if c.config.Token != "" {
		c.token = c.config.Token
		return nil
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		c.token = token
		return nil
	}

	return fmt.Errorf("no vault token found in config or VAULT_TOKEN environment variable")
}

// authenticateUserpass authenticates using username/password
func (c *Client) authenticateUserpass(ctx context.Context) error {
	password := c.config.UserpassPassword
	if password == "" {
		password = os.Getenv("VAULT_USERPASS_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("no password found for userpass auth")
	}

	return c.performLogin(ctx, fmt.Sprintf("auth/userpass/login/%s", c.config.UserpassUsername), map[string]interface{}{
		"password": password,
	})
}

// authenticateLDAP authenticates using LDAP
func (c *Client) authenticateLDAP(ctx context.Context) error {
	password := c.config.LDAPPassword
	if password == "" {
		password = os.Getenv("VAULT_LDAP_PASSWORD")
	}
	if password == "" {
		return fmt.Errorf("no password found for LDAP auth")
	}

	return c.performLogin(ctx, fmt.Sprintf("auth/ldap/login/%s", c.config.LDAPUsername), map[string]interface{}{
		"password": password,
	})
}

// authenticateAppRole authenticates the service itself with role_id/secret_id
func (c *Client) authenticateAppRole(ctx context.Context) error {
	if c.config.SecretID == "" {
		return fmt.Errorf("no secret_id found for approle auth")
	}

	return c.performLogin(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   c.config.RoleID,
		"secret_id": c.config.SecretID,
	})
}

// performLogin logs in and keeps the resulting token on the client
func (c *Client) performLogin(ctx context.Context, authPath string, authData map[string]interface{}) error {
	token, err := c.login(ctx, authPath, authData)
	if err != nil {
		return err
	}
	c.token = token
	return nil
}

func (c *Client) login(ctx context.Context, authPath string, authData map[string]interface{}) (string, error) {
	url := strings.TrimSuffix(c.config.Address, "/") + "/v1/" + strings.TrimPrefix(authPath, "/")

	jsonData, err := json.Marshal(authData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth data: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.config.Namespace)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("authentication failed with status %d: %s", resp.StatusCode, string(body))
	}

	var authResp struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}

	if authResp.Auth.ClientToken == "" {
		return "", fmt.Errorf("no token received from vault")
	}

	c.logger.Debug("vault login via %s succeeded, token %s", authPath, logging.Secret(authResp.Auth.ClientToken))
	return authResp.Auth.ClientToken, nil
}

// validateToken checks if the current token is valid
func (c *Client) validateToken(ctx context.Context) error {
	_, err := c.LookupSelf(ctx, "")
	if err != nil {
		return fmt.Errorf("token validation failed: %w", err)
	}
	return nil
}

// newHTTPClient creates an HTTP client with appropriate TLS settings
func (c *Client) newHTTPClient() *http.Client {
	timeout := DefaultTimeout
	if c.config.TimeoutMs > 0 {
		timeout = time.Duration(c.config.TimeoutMs) * time.Millisecond
	}
	client := &http.Client{
		Timeout: timeout,
	}

	if c.config.TLSSkip {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: c.config.TLSSkip,
			},
		}
	}

	return client
}
