package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
)

// Offboard steps.
const (
	StepDeletePolicies  = "delete_policies"
	StepStripPrincipals = "strip_principals"
	StepDeleteSecrets   = "delete_secrets"
	StepDeleteMetadata  = "delete_metadata"
)

var mirrorKinds = map[metadata.Mirror]identity.Kind{
	metadata.MirrorUsers:    identity.KindUser,
	metadata.MirrorGroups:   identity.KindGroup,
	metadata.MirrorAppRoles: identity.KindAppRole,
	metadata.MirrorAwsRoles: identity.KindAwsRole,
}

// Offboard removes an account from the platform: its policy set, every
// principal's grant, its key secrets and its metadata. Nothing is rolled
// back; steps that succeeded stay applied when a later one fails.
func (s *Service) Offboard(ctx context.Context, caller *permissions.Caller, accountID, userName string) *Result {
	return s.run(ctx, OpOffboard, caller, accountID, userName, func(ctx context.Context, entry *journal.Entry) *Result {
		if err := validateAccount(accountID, userName); err != nil {
			return failure(err)
		}
		if !s.isPlatformAdmin(ctx, caller) {
			return failure(ierrors.Unauthorized("Access denied: no permission to offboard IAM service accounts"))
		}
		account, err := s.load(ctx, accountID, userName, "Failed to offboard IAM service account. Invalid IAM service account")
		if err != nil {
			return failure(err)
		}

		if err := s.step(entry, StepDeletePolicies, func() error {
			return s.policies.DeleteSet(ctx, accountID, userName)
		}); err != nil {
			return failure(ierrors.Dependency(StepDeletePolicies, "Failed to offboard IAM service account from TVault. Policies could not be deleted", err))
		}

		var failed []string
		var errs []error
		names := policy.Names(accountID, userName)
		if err := s.step(entry, StepStripPrincipals, func() error {
			var stripErrs []error
			for _, m := range metadata.Mirrors {
				kind := mirrorKinds[m]
				for _, subject := range account.Subjects(m) {
					_, err := identity.Revoke(ctx, s.principals, kind, subject, names...)
					if err == nil || errors.Is(err, identity.ErrNotFound) {
						continue
					}
					stripErrs = append(stripErrs, fmt.Errorf("%s %s: %w", kind, subject, err))
				}
			}
			return errors.Join(stripErrs...)
		}); err != nil {
			failed = append(failed, StepStripPrincipals)
			errs = append(errs, err)
		}

		if err := s.step(entry, StepDeleteSecrets, func() error {
			return s.projector.DeleteSecretFolder(ctx, accountID, userName)
		}); err != nil {
			failed = append(failed, StepDeleteSecrets)
			errs = append(errs, err)
		}

		if err := s.step(entry, StepDeleteMetadata, func() error {
			return s.projector.Delete(ctx, accountID, userName)
		}); err != nil {
			failed = append(failed, StepDeleteMetadata)
			errs = append(errs, err)
		}

		if len(failed) > 0 {
			return partial(failed[0], "Failed to fully offboard IAM service account from TVault", errors.Join(errs...))
		}

		s.notify(ctx, entry, account, account.OwnerEmail, notifications.TemplateOffboarded,
			"Offboarded IAM service account "+userName, map[string]string{
				"owner": account.OwnerNtid,
				"actor": caller.Username,
			})
		return success(http.StatusOK, "Successfully offboarded IAM service account from TVault")
	})
}
