package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// GrantRequest attaches or detaches Subject's access to an account.
type GrantRequest struct {
	AccountID string
	UserName  string
	Subject   string
	Access    string
}

// subjectKind describes how one kind of principal is granted access.
type subjectKind struct {
	kind        identity.Kind
	mirror      metadata.Mirror
	label       string
	grantOp     string
	revokeOp    string
	ownerGrant  bool // owner/sudo may be granted by admins
	validLevels string
}

var (
	userSubjects = subjectKind{
		kind: identity.KindUser, mirror: metadata.MirrorUsers, label: "user",
		grantOp: OpGrantUser, revokeOp: OpRevokeUser,
		ownerGrant: true, validLevels: "read, rotate, deny",
	}
	groupSubjects = subjectKind{
		kind: identity.KindGroup, mirror: metadata.MirrorGroups, label: "group",
		grantOp: OpGrantGroup, revokeOp: OpRevokeGroup,
		ownerGrant: true, validLevels: "read, rotate, deny",
	}
	appRoleSubjects = subjectKind{
		kind: identity.KindAppRole, mirror: metadata.MirrorAppRoles, label: "approle",
		grantOp: OpGrantAppRole, revokeOp: OpRevokeAppRole,
		validLevels: "read, write, deny",
	}
	awsRoleSubjects = subjectKind{
		kind: identity.KindAwsRole, mirror: metadata.MirrorAwsRoles, label: "AWS role",
		grantOp: OpGrantAwsRole, revokeOp: OpRevokeAwsRole,
		validLevels: "read, write, deny",
	}
)

// GrantUser gives a directory user access to an account.
func (s *Service) GrantUser(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, userSubjects, req, true)
}

// RevokeUser removes every grant a directory user holds on an account.
func (s *Service) RevokeUser(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, userSubjects, req, false)
}

// GrantGroup gives a directory group access to an account.
func (s *Service) GrantGroup(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, groupSubjects, req, true)
}

// RevokeGroup removes every grant a directory group holds on an account.
func (s *Service) RevokeGroup(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, groupSubjects, req, false)
}

// GrantAppRole gives an approle access to an account. Reserved approles
// need the admin policy.
func (s *Service) GrantAppRole(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, appRoleSubjects, req, true)
}

// RevokeAppRole removes every grant an approle holds on an account.
func (s *Service) RevokeAppRole(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, appRoleSubjects, req, false)
}

// GrantAwsRole gives an aws-auth role access to an account.
func (s *Service) GrantAwsRole(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, awsRoleSubjects, req, true)
}

// RevokeAwsRole removes every grant an aws-auth role holds on an account.
func (s *Service) RevokeAwsRole(ctx context.Context, caller *permissions.Caller, req GrantRequest) *Result {
	return s.changeGrant(ctx, caller, awsRoleSubjects, req, false)
}

func (s *Service) changeGrant(ctx context.Context, caller *permissions.Caller, sk subjectKind, req GrantRequest, grant bool) *Result {
	op, verb := sk.revokeOp, "remove"
	if grant {
		op, verb = sk.grantOp, "add"
	}

	return s.run(ctx, op, caller, req.AccountID, req.UserName, func(ctx context.Context, entry *journal.Entry) *Result {
		subject := strings.TrimSpace(req.Subject)
		if sk.kind == identity.KindUser {
			subject = strings.ToLower(subject)
		}
		admin := s.isPlatformAdmin(ctx, caller)
		level, err := validateGrant(caller, admin, sk, req, subject)
		if err != nil {
			return failure(err)
		}
		if !admin {
			if err := s.authorize(caller, req.AccountID, req.UserName, policy.LevelOwner, fmt.Sprintf("Access denied: no permission to %s %s access on this IAM service account", verb, sk.label)); err != nil {
				return failure(err)
			}
		}

		account, err := s.load(ctx, req.AccountID, req.UserName, fmt.Sprintf("Failed to %s %s permission. Invalid IAM service account", verb, sk.label))
		if err != nil {
			return failure(err)
		}
		if grant && !account.IsActivated {
			return failure(ierrors.Conflict(fmt.Sprintf("Failed to add %s permission to IAM Service account. IAM Service Account is not activated. Please activate this account and try again.", sk.label)))
		}

		if sk.kind == identity.KindAppRole {
			if res := s.evaluator.CheckReserved(subject, admin); !res.Allowed {
				return failure(ierrors.Unauthorized("Access denied: " + res.Reason))
			}
		}
		if sk.kind == identity.KindUser && !admin && !caller.IsAdmin && sameSubject(subject, account.OwnerNtid) {
			return failure(ierrors.Conflict("Failed to " + verb + " user permission. The owner's permission on the IAM service account cannot be changed"))
		}

		if err := s.step(entry, StepBackendGrant, func() error {
			if grant {
				_, err := identity.Grant(ctx, s.principals, sk.kind, subject, policy.NameFor(level, req.AccountID, req.UserName), replaced(level, req.AccountID, req.UserName)...)
				return err
			}
			_, err := identity.Revoke(ctx, s.principals, sk.kind, subject, policy.Names(req.AccountID, req.UserName)...)
			if errors.Is(err, identity.ErrNotFound) && (sk.kind == identity.KindUser || sk.kind == identity.KindGroup) {
				s.logger.Debug("%s %s has no policies to remove", sk.kind, subject)
				return nil
			}
			return err
		}); err != nil {
			return failure(principalError(sk, verb, subject, err))
		}

		if err := s.step(entry, StepUpdateMetadata, func() error {
			if grant {
				return s.projector.SetGrant(ctx, req.AccountID, req.UserName, sk.mirror, subject, level)
			}
			return s.projector.RemoveGrant(ctx, req.AccountID, req.UserName, sk.mirror, subject)
		}); err != nil {
			return failure(ierrors.Dependency(StepUpdateMetadata, fmt.Sprintf("Failed to %s %s permission. IAM service account metadata update failed", verb, sk.label), err))
		}

		if grant {
			return success(http.StatusOK, fmt.Sprintf("Successfully added %s to the IAM Service Account", sk.label))
		}
		return success(http.StatusOK, fmt.Sprintf("Successfully removed %s from the IAM Service Account", sk.label))
	})
}

// validateGrant checks the request shape and the requested level. admin
// reports whether the caller holds the admin policy.
func validateGrant(caller *permissions.Caller, admin bool, sk subjectKind, req GrantRequest, subject string) (policy.AccessLevel, error) {
	if err := validateAccount(req.AccountID, req.UserName); err != nil {
		return "", err
	}
	if subject == "" {
		return "", ierrors.Validation("Invalid value specified for " + sk.label)
	}
	invalid := ierrors.Validation("Invalid value specified for access. Valid values are " + sk.validLevels)
	level, err := policy.ParseAccessLevel(req.Access)
	if err != nil {
		return "", invalid
	}
	if level.Canonical() == policy.LevelOwner {
		if !sk.ownerGrant {
			return "", invalid
		}
		if !caller.IsAdmin && !admin {
			return "", ierrors.Unauthorized("Access denied: only administrators can grant owner access")
		}
	}
	return level, nil
}

// principalError classifies a failed policy rewrite on a principal.
func principalError(sk subjectKind, verb, subject string, err error) error {
	switch {
	case errors.Is(err, identity.ErrNotSupported):
		return ierrors.Validation(fmt.Sprintf("Failed to %s %s permission: %s operations are not supported by the configured auth method", verb, sk.label, sk.label))
	case sk.kind == identity.KindAppRole && (errors.Is(err, identity.ErrNotFound) || vault.IsForbidden(err)):
		return &ierrors.OperationError{
			Kind:    ierrors.KindNotFound,
			Step:    StepBackendGrant,
			Message: "Either Approle doesn't exist or you don't have enough permission to add/remove this approle from IAM Service Account",
			Err:     err,
		}
	case sk.kind == identity.KindAwsRole && (errors.Is(err, identity.ErrNotFound) || vault.IsForbidden(err)):
		return &ierrors.OperationError{
			Kind:    ierrors.KindNotFound,
			Step:    StepBackendGrant,
			Message: "Either AWS role doesn't exist or you don't have enough permission to add/remove this AWS role from IAM Service Account",
			Err:     err,
		}
	case errors.Is(err, identity.ErrNotFound):
		return &ierrors.OperationError{
			Kind:    ierrors.KindNotFound,
			Step:    StepBackendGrant,
			Message: fmt.Sprintf("Failed to %s %s permission. %s %s not found", verb, sk.label, strings.ToUpper(sk.label[:1])+sk.label[1:], subject),
			Err:     err,
		}
	default:
		return ierrors.Dependency(StepBackendGrant, fmt.Sprintf("Failed to %s %s permission on IAM Service Account", verb, sk.label), err)
	}
}
