// Package identity reads and rewrites the policy sets attached to the
// principals that can be granted access to an IAM service account: directory
// users and groups, approles and aws-auth roles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/iamsvc/internal/providers/vault"
)

// Kind is the kind of principal a grant is attached to.
type Kind string

const (
	KindUser    Kind = "user"
	KindGroup   Kind = "group"
	KindAppRole Kind = "approle"
	KindAwsRole Kind = "awsrole"
)

var (
	// ErrNotFound is returned when a principal does not exist in its backend.
	ErrNotFound = errors.New("principal not found")
	// ErrNotSupported is returned for principal kinds the backend cannot hold.
	ErrNotSupported = errors.New("not supported")
)

// Principal is a principal and the policies currently attached to it.
// Attrs keeps backend fields that must survive a policy rewrite.
type Principal struct {
	Kind     Kind
	Name     string
	Policies []string
	Attrs    map[string]interface{}
}

// Has reports whether the principal holds policy.
func (p *Principal) Has(policy string) bool {
	for _, existing := range p.Policies {
		if existing == policy {
			return true
		}
	}
	return false
}

// Store is the subset of the Vault client the backends need.
type Store interface {
	Read(ctx context.Context, path string) (*vault.Secret, error)
	Write(ctx context.Context, path string, data map[string]interface{}) error
}

// PolicyHolder reads and replaces the policy set of principals.
type PolicyHolder interface {
	ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error)
	SetPolicies(ctx context.Context, principal *Principal, policies []string) error
}

// PrincipalCreator is implemented by holders that can create a missing principal.
// Only Grant creates principals.
type PrincipalCreator interface {
	CreatePrincipal(ctx context.Context, kind Kind, name string) (*Principal, error)
}

// Grant attaches policy to the principal, dropping any of replaces it holds.
// The principal's other policies are kept. A missing principal is created
// when h is a PrincipalCreator.
func Grant(ctx context.Context, h PolicyHolder, kind Kind, name, policy string, replaces ...string) (*Principal, error) {
	principal, err := h.ReadPrincipal(ctx, kind, name)
	if errors.Is(err, ErrNotFound) {
		if c, ok := h.(PrincipalCreator); ok {
			principal, err = c.CreatePrincipal(ctx, kind, name)
		}
	}
	if err != nil {
		return nil, err
	}
	next := without(principal.Policies, replaces)
	if !contains(next, policy) {
		next = append(next, policy)
	}
	if err := h.SetPolicies(ctx, principal, next); err != nil {
		return nil, err
	}
	principal.Policies = next
	return principal, nil
}

// Revoke detaches policies from the principal. It fails with ErrNotFound
// for a missing principal and never creates one.
func Revoke(ctx context.Context, h PolicyHolder, kind Kind, name string, policies ...string) (*Principal, error) {
	principal, err := h.ReadPrincipal(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	next := without(principal.Policies, policies)
	if err := h.SetPolicies(ctx, principal, next); err != nil {
		return nil, err
	}
	principal.Policies = next
	return principal, nil
}

// Router dispatches each principal kind to the holder that owns it.
type Router struct {
	holders map[Kind]PolicyHolder
}

// NewRouter routes users and groups to directory, approles to appRoles and
// aws roles to awsRoles.
func NewRouter(directory, appRoles, awsRoles PolicyHolder) *Router {
	return &Router{holders: map[Kind]PolicyHolder{
		KindUser:    directory,
		KindGroup:   directory,
		KindAppRole: appRoles,
		KindAwsRole: awsRoles,
	}}
}

func (r *Router) holder(kind Kind) (PolicyHolder, error) {
	h, ok := r.holders[kind]
	if !ok || h == nil {
		return nil, fmt.Errorf("%s principals: %w", kind, ErrNotSupported)
	}
	return h, nil
}

func (r *Router) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	h, err := r.holder(kind)
	if err != nil {
		return nil, err
	}
	return h.ReadPrincipal(ctx, kind, name)
}

// CreatePrincipal creates a missing principal when its holder can.
func (r *Router) CreatePrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	h, err := r.holder(kind)
	if err != nil {
		return nil, err
	}
	c, ok := h.(PrincipalCreator)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
	}
	return c.CreatePrincipal(ctx, kind, name)
}

func (r *Router) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	h, err := r.holder(principal.Kind)
	if err != nil {
		return err
	}
	return h.SetPolicies(ctx, principal, policies)
}

// RoleCreator returns the user recorded as creator of an approle or aws role,
// or "" when no creator is recorded.
func RoleCreator(ctx context.Context, store Store, kind Kind, name string) (string, error) {
	var path string
	switch kind {
	case KindAppRole:
		path = "metadata/approle/" + name
	case KindAwsRole:
		path = "metadata/awsrole/" + name
	default:
		return "", fmt.Errorf("%s principals have no creator: %w", kind, ErrNotSupported)
	}
	secret, err := store.Read(ctx, path)
	if err != nil {
		if vault.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	creator, _ := secret.Data["createdBy"].(string)
	return strings.ToLower(creator), nil
}

// policyList decodes a policy field that Vault renders either as a list or
// as a comma-separated string.
func policyList(v interface{}) []string {
	var out []string
	switch p := v.(type) {
	case []interface{}:
		for _, item := range p {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range p {
			if s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(p, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func without(list, drop []string) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		if !contains(drop, p) {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
