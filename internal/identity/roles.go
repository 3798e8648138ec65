package identity

import (
	"context"
	"fmt"

	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// AppRoles holds policies on auth/approle roles.
type AppRoles struct {
	store  Store
	logger *logging.Logger
}

// NewAppRoles creates the approle holder
func NewAppRoles(store Store, logger *logging.Logger) *AppRoles {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AppRoles{store: store, logger: logger}
}

func (a *AppRoles) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	if kind != KindAppRole {
		return nil, fmt.Errorf("%s principals: %w", kind, ErrNotSupported)
	}
	secret, err := a.store.Read(ctx, "auth/approle/role/"+name)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("approle %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	policies := policyList(secret.Data["token_policies"])
	if len(policies) == 0 {
		policies = policyList(secret.Data["policies"])
	}
	return &Principal{Kind: kind, Name: name, Policies: policies, Attrs: map[string]interface{}{}}, nil
}

func (a *AppRoles) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	a.logger.Debug("approle %s policies -> %v", principal.Name, policies)
	return a.store.Write(ctx, "auth/approle/role/"+principal.Name, map[string]interface{}{
		"token_policies": policies,
	})
}

// Aws auth role types.
const (
	AuthTypeIAM = "iam"
	AuthTypeEC2 = "ec2"
)

// Fields carried over when reconfiguring a role of each auth type.
var (
	iamRoleFields = []string{"bound_iam_principal_arn", "resolve_aws_unique_ids"}
	ec2RoleFields = []string{
		"bound_ami_id", "bound_account_id", "bound_region", "bound_vpc_id",
		"bound_subnet_id", "bound_iam_role_arn", "bound_iam_instance_profile_arn",
	}
)

// AwsRoles holds policies on auth/aws roles. A rewrite resends the role's
// binding fields for its auth type, so iam and ec2 roles are configured
// with different field sets.
type AwsRoles struct {
	store  Store
	logger *logging.Logger
}

// NewAwsRoles creates the aws role holder
func NewAwsRoles(store Store, logger *logging.Logger) *AwsRoles {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AwsRoles{store: store, logger: logger}
}

func (a *AwsRoles) ReadPrincipal(ctx context.Context, kind Kind, name string) (*Principal, error) {
	if kind != KindAwsRole {
		return nil, fmt.Errorf("%s principals: %w", kind, ErrNotSupported)
	}
	secret, err := a.store.Read(ctx, "auth/aws/role/"+name)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("aws role %s: %w", name, ErrNotFound)
		}
		return nil, err
	}

	authType, _ := secret.Data["auth_type"].(string)
	if authType == "" {
		authType = AuthTypeEC2
	}
	attrs := map[string]interface{}{"auth_type": authType}
	for _, field := range fieldsFor(authType) {
		if v, ok := secret.Data[field]; ok {
			attrs[field] = v
		}
	}

	policies := policyList(secret.Data["policies"])
	if len(policies) == 0 {
		policies = policyList(secret.Data["token_policies"])
	}
	return &Principal{Kind: kind, Name: name, Policies: policies, Attrs: attrs}, nil
}

func (a *AwsRoles) SetPolicies(ctx context.Context, principal *Principal, policies []string) error {
	authType, _ := principal.Attrs["auth_type"].(string)
	switch authType {
	case AuthTypeIAM:
		return a.configure(ctx, principal, AuthTypeIAM, policies)
	case AuthTypeEC2, "":
		return a.configure(ctx, principal, AuthTypeEC2, policies)
	default:
		return fmt.Errorf("aws role %s has unknown auth_type %q", principal.Name, authType)
	}
}

func (a *AwsRoles) configure(ctx context.Context, principal *Principal, authType string, policies []string) error {
	data := map[string]interface{}{
		"auth_type": authType,
		"policies":  policies,
	}
	for _, field := range fieldsFor(authType) {
		if v, ok := principal.Attrs[field]; ok {
			data[field] = v
		}
	}
	a.logger.Debug("aws %s role %s policies -> %v", authType, principal.Name, policies)
	return a.store.Write(ctx, "auth/aws/role/"+principal.Name, data)
}

func fieldsFor(authType string) []string {
	if authType == AuthTypeIAM {
		return iamRoleFields
	}
	return ec2RoleFields
}
