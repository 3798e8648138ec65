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
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
)

// TransferOwner steps.
const (
	StepRevokeOldOwner = "revoke_old_owner"
	StepGrantNewOwner  = "grant_new_owner"
	StepRevertOwner    = "revert_old_owner"
	StepUpdateOwner    = "update_owner_metadata"
)

// TransferRequest moves ownership of an account. Empty application fields
// keep their current values. With no owner fields only the application
// details and self-support group are updated.
type TransferRequest struct {
	AccountID          string
	UserName           string
	OwnerNtid          string
	OwnerEmail         string
	ApplicationID      string
	ApplicationName    string
	ApplicationTag     string
	ADSelfSupportGroup string
}

// Validate checks that the owner fields are given together or not at all.
func (r *TransferRequest) Validate() error {
	if err := validateAccount(r.AccountID, r.UserName); err != nil {
		return err
	}
	ntid, email := strings.TrimSpace(r.OwnerNtid), strings.TrimSpace(r.OwnerEmail)
	switch {
	case ntid == "" && email != "":
		return ierrors.Validation("Owner_ntid is required when owner_email is given.")
	case email == "" && ntid != "":
		return ierrors.Validation("Owner_email is required when owner_ntid is given.")
	case ntid == "":
		return nil
	case !ntidPattern.MatchString(ntid):
		return ierrors.Validation("Invalid value specified for owner_ntid")
	}
	return nil
}

// TransferOwner moves the owner policy from the current owner to a new one
// and records the new owner in metadata.
func (s *Service) TransferOwner(ctx context.Context, caller *permissions.Caller, req TransferRequest) *Result {
	return s.run(ctx, OpTransferOwner, caller, req.AccountID, req.UserName, func(ctx context.Context, entry *journal.Entry) *Result {
		if err := req.Validate(); err != nil {
			return failure(err)
		}
		if !s.isPlatformAdmin(ctx, caller) {
			if err := s.authorize(caller, req.AccountID, req.UserName, policy.LevelOwner, "Access denied: no permission to transfer ownership of this IAM service account"); err != nil {
				return failure(err)
			}
		}
		account, err := s.load(ctx, req.AccountID, req.UserName, "Failed to transfer ownership. Invalid IAM service account")
		if err != nil {
			return failure(err)
		}
		newOwner := strings.TrimSpace(req.OwnerNtid)
		if newOwner == "" {
			return s.updateDetails(ctx, entry, req)
		}
		if sameSubject(account.OwnerNtid, newOwner) {
			return failure(ierrors.Conflict("Failed to transfer ownership. " + newOwner + " is already the owner of this IAM service account"))
		}

		ownerPolicy := policy.NameFor(policy.LevelSudo, req.AccountID, req.UserName)
		oldOwner := account.OwnerNtid

		if oldOwner != "" {
			if err := s.step(entry, StepRevokeOldOwner, func() error {
				_, err := identity.Revoke(ctx, s.principals, identity.KindUser, oldOwner, ownerPolicy)
				if errors.Is(err, identity.ErrNotFound) {
					return nil
				}
				return err
			}); err != nil {
				return failure(ierrors.Dependency(StepRevokeOldOwner, "Failed to transfer ownership. Failed to remove owner permission from the current owner", err))
			}
		}

		if err := s.step(entry, StepGrantNewOwner, func() error {
			_, err := identity.Grant(ctx, s.principals, identity.KindUser, newOwner, ownerPolicy, replaced(policy.LevelSudo, req.AccountID, req.UserName)...)
			return err
		}); err != nil {
			message := "Failed to transfer ownership. Failed to add owner permission to the new owner"
			if oldOwner != "" {
				if revertErr := s.step(entry, StepRevertOwner, func() error {
					_, err := identity.Grant(ctx, s.principals, identity.KindUser, oldOwner, ownerPolicy)
					return err
				}); revertErr != nil {
					message += "; restoring the current owner's permission also failed"
					err = errors.Join(err, fmt.Errorf("revert: %w", revertErr))
				}
			}
			return failure(ierrors.Dependency(StepGrantNewOwner, message, err))
		}

		if err := s.step(entry, StepUpdateOwner, func() error {
			return s.projector.UpdateOwner(ctx, req.AccountID, req.UserName, metadata.OwnerUpdate{
				OwnerNtid:       newOwner,
				OwnerEmail:      strings.TrimSpace(req.OwnerEmail),
				ApplicationID:   req.ApplicationID,
				ApplicationName: req.ApplicationName,
				ApplicationTag:  req.ApplicationTag,

				ADSelfSupportGroup: strings.TrimSpace(req.ADSelfSupportGroup),
			})
		}); err != nil {
			return partial(StepUpdateOwner, "Ownership permissions transferred but failed to update IAM service account metadata", err)
		}

		s.notify(ctx, entry, account, req.OwnerEmail, notifications.TemplateTransferred,
			"Ownership of IAM service account "+req.UserName+" transferred", map[string]string{
				"owner":         newOwner,
				"previousOwner": oldOwner,
				"actor":         caller.Username,
			})
		return success(http.StatusOK, "Ownership of IAM service account transferred successfully")
	})
}

// updateDetails rewrites the application fields and self-support group
// without touching owner policies.
func (s *Service) updateDetails(ctx context.Context, entry *journal.Entry, req TransferRequest) *Result {
	entry.Skip(StepRevokeOldOwner)
	entry.Skip(StepGrantNewOwner)
	if err := s.step(entry, StepUpdateOwner, func() error {
		return s.projector.UpdateOwner(ctx, req.AccountID, req.UserName, metadata.OwnerUpdate{
			ApplicationID:      req.ApplicationID,
			ApplicationName:    req.ApplicationName,
			ApplicationTag:     req.ApplicationTag,
			ADSelfSupportGroup: strings.TrimSpace(req.ADSelfSupportGroup),
		})
	}); err != nil {
		return failure(ierrors.Dependency(StepUpdateOwner, "Failed to update IAM service account details", err))
	}
	return success(http.StatusOK, "IAM service account details updated successfully")
}
