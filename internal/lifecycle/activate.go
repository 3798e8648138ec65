package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
)

// Activate steps.
const (
	StepRotateKeys   = "rotate_keys"
	StepSetActivated = "set_activated"
)

// Activate rotates every access key recorded at onboarding, grants the
// owner sudo and marks the account active. Activating an active account
// is rejected.
func (s *Service) Activate(ctx context.Context, caller *permissions.Caller, accountID, userName string) *Result {
	return s.run(ctx, OpActivate, caller, accountID, userName, func(ctx context.Context, entry *journal.Entry) *Result {
		if err := validateAccount(accountID, userName); err != nil {
			return failure(err)
		}
		if err := s.authorize(caller, accountID, userName, policy.LevelWrite, "Access denied: no permission to activate this IAM service account"); err != nil {
			return failure(err)
		}
		account, err := s.load(ctx, accountID, userName, "Failed to activate IAM Service Account. Invalid IAM service account")
		if err != nil {
			return failure(err)
		}
		if account.IsActivated {
			return failure(ierrors.Conflict("Failed to activate IAM Service Account. IAM Service Account is already activated"))
		}

		if err := s.step(entry, StepRotateKeys, func() error {
			for _, key := range account.Secrets {
				if err := s.rotateRecordedKey(ctx, account, key); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return failure(ierrors.Dependency(StepRotateKeys, "Failed to activate IAM Service Account. Failed to rotate secrets for one or more access keys", err))
		}

		if err := s.step(entry, StepOwnerGrant, func() error {
			return s.grantOwner(ctx, accountID, userName, account.OwnerNtid)
		}); err != nil {
			return partial(StepOwnerGrant, "IAM Service Account activated: secrets rotated but owner permission update failed", err)
		}

		if err := s.step(entry, StepSetActivated, func() error {
			return s.projector.SetActivated(ctx, accountID, userName, true)
		}); err != nil {
			return partial(StepSetActivated, "IAM Service Account secrets rotated and owner permission added but failed to update activation status", err)
		}

		s.notify(ctx, entry, account, account.OwnerEmail, notifications.TemplateActivated,
			"Activated IAM service account "+userName, map[string]string{
				"owner": account.OwnerNtid,
				"actor": caller.Username,
			})
		return success(http.StatusOK, "IAM Service Account activated successfully")
	})
}

// rotateRecordedKey replaces one recorded key with a fresh one and stores
// its secret. The old key's secret entry is dropped.
func (s *Service) rotateRecordedKey(ctx context.Context, account *metadata.Account, old metadata.AccessKey) error {
	key, err := s.keys.RotateSecret(ctx, account.AccountID, account.UserName, old.AccessKeyID)
	if err != nil {
		return fmt.Errorf("rotate %s: %w", old.AccessKeyID, err)
	}
	defer key.Secret.Wipe()
	s.metrics.RecordAccessKey("rotate")

	recorded, err := s.persistKey(ctx, key)
	if err != nil {
		return err
	}
	if err := s.projector.DeleteKeySecret(ctx, account.AccountID, account.UserName, old.AccessKeyID); err != nil {
		return fmt.Errorf("delete secret of %s: %w", old.AccessKeyID, err)
	}
	if err := s.projector.ReplaceKey(ctx, account.AccountID, account.UserName, old.AccessKeyID, recorded); err != nil {
		return fmt.Errorf("record %s: %w", key.AccessKeyID, err)
	}
	return nil
}

// persistKey writes a minted key's secret and returns its metadata form.
// The caller still owns the secret and wipes it.
func (s *Service) persistKey(ctx context.Context, key *awsiam.AccessKey) (metadata.AccessKey, error) {
	value, err := key.Secret.Reveal()
	if err != nil {
		return metadata.AccessKey{}, fmt.Errorf("read secret of %s: %w", key.AccessKeyID, err)
	}
	created := key.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	if err := s.projector.WriteKeySecret(ctx, metadata.KeySecret{
		AccessKeyID:     key.AccessKeyID,
		AccessKeySecret: value,
		AccountID:       key.AccountID,
		UserName:        key.UserName,
		ExpiryDateEpoch: key.ExpiryDateEpoch,
		CreatedAtEpoch:  created.UnixMilli(),
	}); err != nil {
		return metadata.AccessKey{}, fmt.Errorf("store secret of %s: %w", key.AccessKeyID, err)
	}
	return metadata.AccessKey{
		AccessKeyID:     key.AccessKeyID,
		ExpiryDateEpoch: key.ExpiryDateEpoch,
		CreatedDate:     created.UTC().Format(time.RFC3339),
		Status:          key.Status,
	}, nil
}
