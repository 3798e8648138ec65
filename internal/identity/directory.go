package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// Auth modes selecting the directory backend.
const (
	ModeLDAP     = "ldap"
	ModeOIDC     = "oidc"
	ModeUserpass = "userpass"
)

// NewDirectory returns the holder for users and groups under mode. The mode
// is fixed for the life of the process.
func NewDirectory(mode string, store Store, logger *logging.Logger) (PolicyHolder, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	switch strings.ToLower(mode) {
	case ModeLDAP:
		return &ldapDirectory{store: store, logger: logger}, nil
	case ModeUserpass:
		return &userpassDirectory{store: store, logger: logger}, nil
	case ModeOIDC:
		return newOIDCDirectory(store, logger, DefaultOIDCMount), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// ldapDirectory keeps policies on auth/ldap/users and auth/ldap/groups.
// An unconfigured user or group is created by its first policy write.
type ldapDirectory struct {
	store  Store
	logger *logging.Logger
}

func (d *ldapDirectory) path(kind Kind, name string) (string, error) {
	switch kind {
	case KindUser:
		return "auth/ldap/users/" + name, nil
	case KindGroup:
		return "auth/ldap/groups/" + name, nil
	default:
		return "", fmt.Errorf("ldap %s principals: %w", kind, ErrNotSupported)
	}
}

func (d *ldapDirectory) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	path, err := d.path(kind, name)
	if err != nil {
		return nil, err
	}
	secret, err := d.store.Read(ctx, path)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("ldap %s %s: %w", kind, name, ErrNotFound)
		}
		return nil, err
	}
	principal := &Principal{Kind: kind, Name: name, Attrs: map[string]interface{}{}}
	principal.Policies = policyList(secret.Data["policies"])
	if groups, ok := secret.Data["groups"]; ok {
		principal.Attrs["groups"] = groups
	}
	return principal, nil
}

// CreatePrincipal returns an empty principal; SetPolicies writes it.
func (d *ldapDirectory) CreatePrincipal(_ context.Context, kind Kind, name string) (*Principal, error) {
	if _, err := d.path(kind, name); err != nil {
		return nil, err
	}
	return &Principal{Kind: kind, Name: name, Attrs: map[string]interface{}{}}, nil
}

func (d *ldapDirectory) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	path, err := d.path(principal.Kind, principal.Name)
	if err != nil {
		return err
	}
	data := map[string]interface{}{"policies": strings.Join(policies, ",")}
	if principal.Kind == KindUser {
		if groups := policyList(principal.Attrs["groups"]); len(groups) > 0 {
			data["groups"] = strings.Join(groups, ",")
		}
	}
	d.logger.Debug("ldap %s %s policies -> %v", principal.Kind, principal.Name, policies)
	return d.store.Write(ctx, path, data)
}

// userpassDirectory holds users only.
type userpassDirectory struct {
	store  Store
	logger *logging.Logger
}

func (d *userpassDirectory) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	if kind != KindUser {
		return nil, fmt.Errorf("userpass %s principals: %w", kind, ErrNotSupported)
	}
	secret, err := d.store.Read(ctx, "auth/userpass/users/"+name)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("userpass user %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	policies := policyList(secret.Data["token_policies"])
	if len(policies) == 0 {
		policies = policyList(secret.Data["policies"])
	}
	return &Principal{Kind: kind, Name: name, Policies: policies}, nil
}

func (d *userpassDirectory) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	if principal.Kind != KindUser {
		return fmt.Errorf("userpass %s principals: %w", principal.Kind, ErrNotSupported)
	}
	d.logger.Debug("userpass user %s policies -> %v", principal.Name, policies)
	return d.store.Write(ctx, "auth/userpass/users/"+principal.Name+"/policies", map[string]interface{}{
		"token_policies": policies,
	})
}

// DefaultOIDCMount is the auth mount whose accessor entity aliases bind to.
const DefaultOIDCMount = "oidc/"

const accessorCacheTTL = 10 * time.Minute

// oidcDirectory keeps user policies on identity entities and group policies
// on identity groups. Grant creates missing entities with an alias on the
// OIDC mount; missing groups are not created.
type oidcDirectory struct {
	store     Store
	logger    *logging.Logger
	mount     string
	accessors *expirable.LRU[string, string]
}

func newOIDCDirectory(store Store, logger *logging.Logger, mount string) *oidcDirectory {
	return &oidcDirectory{
		store:     store,
		logger:    logger,
		mount:     mount,
		accessors: expirable.NewLRU[string, string](8, nil, accessorCacheTTL),
	}
}

func (d *oidcDirectory) path(kind Kind, name string) (string, error) {
	switch kind {
	case KindUser:
		return "identity/entity/name/" + name, nil
	case KindGroup:
		return "identity/group/name/" + name, nil
	default:
		return "", fmt.Errorf("oidc %s principals: %w", kind, ErrNotSupported)
	}
}

func (d *oidcDirectory) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	path, err := d.path(kind, name)
	if err != nil {
		return nil, err
	}
	secret, err := d.store.Read(ctx, path)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("identity %s %s: %w", kind, name, ErrNotFound)
		}
		return nil, err
	}

	principal := &Principal{
		Kind:     kind,
		Name:     name,
		Policies: policyList(secret.Data["policies"]),
		Attrs:    map[string]interface{}{},
	}
	for _, key := range []string{"id", "type", "metadata"} {
		if v, ok := secret.Data[key]; ok {
			principal.Attrs[key] = v
		}
	}
	return principal, nil
}

// CreatePrincipal creates an entity for a missing user. Groups are never
// created.
func (d *oidcDirectory) CreatePrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	if kind != KindUser {
		return nil, fmt.Errorf("identity %s %s: %w", kind, name, ErrNotFound)
	}
	if err := d.createEntity(ctx, name); err != nil {
		return nil, err
	}
	return &Principal{Kind: kind, Name: name, Attrs: map[string]interface{}{}}, nil
}

func (d *oidcDirectory) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	path, err := d.path(principal.Kind, principal.Name)
	if err != nil {
		return err
	}
	data := map[string]interface{}{"policies": policies}
	if principal.Kind == KindGroup {
		if t, ok := principal.Attrs["type"]; ok {
			data["type"] = t
		}
	}
	if md, ok := principal.Attrs["metadata"]; ok && md != nil {
		data["metadata"] = md
	}
	d.logger.Debug("identity %s %s policies -> %v", principal.Kind, principal.Name, policies)
	return d.store.Write(ctx, path, data)
}

// createEntity creates an entity for name and aliases it to the OIDC mount.
func (d *oidcDirectory) createEntity(ctx context.Context, name string) error {
	accessor, err := d.mountAccessor(ctx)
	if err != nil {
		return err
	}
	if err := d.store.Write(ctx, "identity/entity/name/"+name, map[string]interface{}{
		"policies": []string{},
	}); err != nil {
		return fmt.Errorf("create entity %s: %w", name, err)
	}
	entity, err := d.store.Read(ctx, "identity/entity/name/"+name)
	if err != nil {
		return fmt.Errorf("read entity %s: %w", name, err)
	}
	id, _ := entity.Data["id"].(string)
	if id == "" {
		return fmt.Errorf("entity %s has no id", name)
	}
	if err := d.store.Write(ctx, "identity/entity-alias", map[string]interface{}{
		"name":           name,
		"canonical_id":   id,
		"mount_accessor": accessor,
	}); err != nil {
		return fmt.Errorf("create entity alias %s: %w", name, err)
	}
	d.logger.Debug("Created identity entity %s (%s)", name, id)
	return nil
}

// mountAccessor returns the accessor of the OIDC auth mount.
func (d *oidcDirectory) mountAccessor(ctx context.Context) (string, error) {
	if accessor, ok := d.accessors.Get(d.mount); ok {
		return accessor, nil
	}
	secret, err := d.store.Read(ctx, "sys/auth")
	if err != nil {
		return "", fmt.Errorf("list auth mounts: %w", err)
	}
	mount, _ := secret.Data[d.mount].(map[string]interface{})
	accessor, _ := mount["accessor"].(string)
	if accessor == "" {
		return "", fmt.Errorf("auth mount %s has no accessor", d.mount)
	}
	d.accessors.Add(d.mount, accessor)
	return accessor, nil
}
