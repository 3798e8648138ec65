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
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
)

// Access key steps.
const (
	StepCreateKey   = "create_access_key"
	StepRotateKey   = "rotate_access_key"
	StepDeleteKey   = "delete_access_key"
	StepStoreSecret = "store_secret"
	StepCleanupKey  = "cleanup_access_key"
	StepForgetKey   = "forget_deleted_key"
)

// CreateAccessKey mints a new access key for the account and stores its
// secret. The returned key's secret must be wiped by the caller.
func (s *Service) CreateAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName string) *Result {
	return s.run(ctx, OpCreateAccessKey, caller, accountID, userName, func(ctx context.Context, entry *journal.Entry) *Result {
		account, err := s.keyAccount(ctx, caller, accountID, userName, policy.LevelWrite, "create access key")
		if err != nil {
			return failure(err)
		}
		if !account.IsActivated {
			return failure(ierrors.Conflict("Failed to create access key. IAM Service Account is not activated"))
		}
		if len(account.Secrets) >= metadata.MaxAccessKeys {
			return failure(ierrors.Conflict(fmt.Sprintf("Failed to create access key. An IAM service account can have at most %d access keys", metadata.MaxAccessKeys)))
		}

		var key *awsiam.AccessKey
		if err := s.step(entry, StepCreateKey, func() error {
			key, err = s.keys.CreateAccessKeys(ctx, accountID, userName)
			return err
		}); err != nil {
			if errors.Is(err, awsiam.ErrQuotaExceeded) {
				return failure(ierrors.Conflict("Failed to create access key. Access key quota exceeded for the IAM user"))
			}
			return failure(ierrors.Dependency(StepCreateKey, "Failed to create access key in AWS", err))
		}
		s.metrics.RecordAccessKey("create")

		var recorded metadata.AccessKey
		if err := s.step(entry, StepStoreSecret, func() error {
			recorded, err = s.persistKey(ctx, key)
			return err
		}); err != nil {
			key.Secret.Wipe()
			// The key cannot be handed out, so it must not stay live in AWS.
			cleanupErr := s.step(entry, StepCleanupKey, func() error {
				return s.keys.DeleteAccessKey(ctx, accountID, userName, key.AccessKeyID)
			})
			if cleanupErr != nil {
				err = errors.Join(err, fmt.Errorf("delete unsaved key %s: %w", key.AccessKeyID, cleanupErr))
			}
			return failure(ierrors.Dependency(StepStoreSecret, "Failed to create access key. The new secret could not be saved", err))
		}

		res := success(http.StatusOK, "Access key created successfully")
		if err := s.step(entry, StepUpdateMetadata, func() error {
			return s.projector.AddKey(ctx, accountID, userName, recorded)
		}); err != nil {
			res = partial(StepUpdateMetadata, "Access key created but failed to update IAM service account metadata", err)
		}
		res.Key = issued(key)
		return res
	})
}

// RotateAccessKey replaces a recorded access key with a new one.
func (s *Service) RotateAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *Result {
	return s.run(ctx, OpRotateAccessKey, caller, accountID, userName, func(ctx context.Context, entry *journal.Entry) *Result {
		account, err := s.keyAccount(ctx, caller, accountID, userName, policy.LevelRotate, "rotate access key")
		if err != nil {
			return failure(err)
		}
		if !account.IsActivated {
			return failure(ierrors.Conflict("Failed to rotate secret. IAM Service Account is not activated"))
		}
		if _, ok := account.Key(accessKeyID); !ok {
			return failure(ierrors.Validation("Failed to rotate secret. Access key ID is not available in T-Vault"))
		}

		var key *awsiam.AccessKey
		if err := s.step(entry, StepRotateKey, func() error {
			key, err = s.keys.RotateSecret(ctx, accountID, userName, accessKeyID)
			return err
		}); err != nil {
			return s.rotateFailure(ctx, entry, accountID, userName, accessKeyID, err)
		}
		s.metrics.RecordAccessKey("rotate")

		var recorded metadata.AccessKey
		if err := s.step(entry, StepStoreSecret, func() error {
			recorded, err = s.persistKey(ctx, key)
			return err
		}); err != nil {
			// The old key is already gone in AWS; the new secret is only in the result.
			res := failure(ierrors.Dependency(StepStoreSecret, "Secret rotated in AWS but the new secret could not be saved in T-Vault", err))
			res.Key = issued(key)
			return res
		}

		res := success(http.StatusOK, "Access key rotated successfully")
		if err := s.step(entry, StepUpdateMetadata, func() error {
			if err := s.projector.DeleteKeySecret(ctx, accountID, userName, accessKeyID); err != nil {
				return err
			}
			return s.projector.ReplaceKey(ctx, accountID, userName, accessKeyID, recorded)
		}); err != nil {
			res = partial(StepUpdateMetadata, "Access key rotated but failed to update IAM service account metadata", err)
		}
		res.Key = issued(key)
		return res
	})
}

// rotateFailure maps a failed AWS rotation to a result naming what was left
// changed. A deleted old key is removed from T-Vault as well.
func (s *Service) rotateFailure(ctx context.Context, entry *journal.Entry, accountID, userName, accessKeyID string, err error) *Result {
	var orphan *awsiam.OrphanKeyError
	switch {
	case errors.As(err, &orphan):
		return failure(ierrors.Dependency(StepRotateKey, fmt.Sprintf(
			"Failed to rotate secret. The old access key could not be deleted in AWS and the new access key %s could not be removed; delete it in AWS", orphan.AccessKeyID), err))
	case errors.Is(err, awsiam.ErrOldKeyDeleted):
		message := "Failed to rotate secret. The old access key was deleted in AWS but the new access key could not be created"
		if forgetErr := s.step(entry, StepForgetKey, func() error {
			if err := s.projector.DeleteKeySecret(ctx, accountID, userName, accessKeyID); err != nil {
				return err
			}
			return s.projector.RemoveKey(ctx, accountID, userName, accessKeyID)
		}); forgetErr != nil {
			message += "; removing the deleted key from T-Vault also failed"
			err = errors.Join(err, fmt.Errorf("forget %s: %w", accessKeyID, forgetErr))
		}
		return failure(ierrors.Dependency(StepRotateKey, message, err))
	case errors.Is(err, awsiam.ErrOldKeyKept):
		return failure(ierrors.Dependency(StepRotateKey, "Failed to rotate secret. The old access key could not be deleted in AWS and remains in use", err))
	case errors.Is(err, awsiam.ErrQuotaExceeded):
		return failure(ierrors.Conflict("Failed to rotate secret. Access key quota exceeded for the IAM user"))
	}
	return failure(ierrors.Dependency(StepRotateKey, "Failed to rotate secret in AWS", err))
}

// DeleteAccessKey deletes a recorded access key in AWS, then its secret and
// metadata. Metadata is never removed for a key that still exists in AWS.
func (s *Service) DeleteAccessKey(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *Result {
	return s.run(ctx, OpDeleteAccessKey, caller, accountID, userName, func(ctx context.Context, entry *journal.Entry) *Result {
		account, err := s.keyAccount(ctx, caller, accountID, userName, policy.LevelWrite, "delete access key")
		if err != nil {
			return failure(err)
		}
		if _, ok := account.Key(accessKeyID); !ok {
			return failure(ierrors.Validation("Failed to delete access key. Access key ID is not available in T-Vault"))
		}

		if err := s.step(entry, StepDeleteKey, func() error {
			err := s.keys.DeleteAccessKey(ctx, accountID, userName, accessKeyID)
			if errors.Is(err, awsiam.ErrNoSuchEntity) {
				s.logger.Warn("Access key %s of %s already absent in AWS", accessKeyID, account.UniqueName())
				return nil
			}
			return err
		}); err != nil {
			return failure(ierrors.Dependency(StepDeleteKey, "Failed to delete access key in AWS", err))
		}
		s.metrics.RecordAccessKey("delete")

		if err := s.step(entry, StepUpdateMetadata, func() error {
			if err := s.projector.DeleteKeySecret(ctx, accountID, userName, accessKeyID); err != nil {
				return err
			}
			return s.projector.RemoveKey(ctx, accountID, userName, accessKeyID)
		}); err != nil {
			return failure(ierrors.Dependency(StepUpdateMetadata, "Access key deleted in AWS but failed to update T-Vault: invalid metadata for the IAM service account", err))
		}
		return success(http.StatusOK, "Access key deleted successfully")
	})
}

// ListAccessKeys returns the access keys recorded for an account. Callers
// see them with read access, or as creator of an approle or aws role that
// holds a grant on the account. Deny blocks both.
func (s *Service) ListAccessKeys(ctx context.Context, caller *permissions.Caller, accountID, userName string) *Result {
	return s.view(ctx, OpListKeys, caller, policy.UniqueName(accountID, userName), func(ctx context.Context, _ *journal.Entry) *Result {
		if err := validateAccount(accountID, userName); err != nil {
			return failure(err)
		}
		account, err := s.load(ctx, accountID, userName, "Failed to list access keys. Invalid IAM service account")
		if err != nil {
			// Only callers with a direct grant learn that the account is missing.
			if ierrors.KindOf(err) == ierrors.KindNotFound && !s.evaluator.Check(permissions.Request{
				Caller:    caller,
				AccountID: accountID,
				UserName:  userName,
				Required:  policy.LevelRead,
			}).Allowed {
				return failure(ierrors.Unauthorized("Access denied: no permission to read this IAM service account"))
			}
			return failure(err)
		}
		if err := s.authorizeView(ctx, caller, account); err != nil {
			return failure(err)
		}
		res := success(http.StatusOK, fmt.Sprintf("%d access key(s)", len(account.Secrets)))
		res.Keys = append([]metadata.AccessKey{}, account.Secrets...)
		return res
	})
}

// ReadAccessKeySecret returns the stored secret of a recorded access key.
func (s *Service) ReadAccessKeySecret(ctx context.Context, caller *permissions.Caller, accountID, userName, accessKeyID string) *Result {
	return s.view(ctx, OpReadAccessKey, caller, policy.UniqueName(accountID, userName), func(ctx context.Context, _ *journal.Entry) *Result {
		account, err := s.keyAccount(ctx, caller, accountID, userName, policy.LevelRead, "read access key")
		if err != nil {
			return failure(err)
		}
		if _, ok := account.Key(accessKeyID); !ok {
			return failure(ierrors.Validation("Failed to read access key. Access key ID is not available in T-Vault"))
		}
		secret, err := s.projector.ReadKeySecret(ctx, accountID, userName, accessKeyID)
		if err != nil {
			if isNotFound(err) {
				return failure(ierrors.NotFound("Failed to read access key. No secret is stored for " + accessKeyID))
			}
			return failure(ierrors.Dependency(StepReadMetadata, "Failed to read access key secret", err))
		}
		res := success(http.StatusOK, "Access key secret read successfully")
		res.KeySecret = secret
		return res
	})
}

// keyAccount validates the account, checks caller holds required and loads
// it. Unauthorized callers never learn whether the account exists.
func (s *Service) keyAccount(ctx context.Context, caller *permissions.Caller, accountID, userName string, required policy.AccessLevel, action string) (*metadata.Account, error) {
	if err := validateAccount(accountID, userName); err != nil {
		return nil, err
	}
	if err := s.authorize(caller, accountID, userName, required, "Access denied: no permission to "+action+" on this IAM service account"); err != nil {
		return nil, err
	}
	return s.load(ctx, accountID, userName, "Failed to "+action+". Invalid IAM service account")
}

// authorizeView allows direct read access or indirect access through a
// granted role the caller created.
func (s *Service) authorizeView(ctx context.Context, caller *permissions.Caller, account *metadata.Account) error {
	check := s.evaluator.Check(permissions.Request{
		Caller:    caller,
		AccountID: account.AccountID,
		UserName:  account.UserName,
		Required:  policy.LevelRead,
	})
	if check.Allowed {
		return nil
	}
	if !check.Denied && s.createdGrantedRole(ctx, caller, account) {
		return nil
	}
	return ierrors.Unauthorized("Access denied: no permission to read this IAM service account")
}

// createdGrantedRole reports whether caller created an approle or aws role
// holding a non-deny grant on the account.
func (s *Service) createdGrantedRole(ctx context.Context, caller *permissions.Caller, account *metadata.Account) bool {
	if s.roleStore == nil || caller == nil || caller.Username == "" {
		return false
	}
	for _, m := range []struct {
		mirror metadata.Mirror
		kind   identity.Kind
	}{
		{metadata.MirrorAppRoles, identity.KindAppRole},
		{metadata.MirrorAwsRoles, identity.KindAwsRole},
	} {
		grants := account.Grants(m.mirror)
		for _, role := range account.Subjects(m.mirror) {
			if level, err := policy.ParseAccessLevel(grants[role]); err != nil || level == policy.LevelDeny {
				continue
			}
			creator, err := identity.RoleCreator(ctx, s.roleStore, m.kind, role)
			if err != nil {
				s.logger.Debug("Creator lookup for %s %s failed: %v", m.kind, role, err)
				continue
			}
			if creator != "" && sameSubject(creator, caller.Username) {
				return true
			}
		}
	}
	return false
}

func issued(key *awsiam.AccessKey) *IssuedKey {
	return &IssuedKey{
		AccessKeyID:     key.AccessKeyID,
		Secret:          key.Secret,
		AccountID:       key.AccountID,
		UserName:        key.UserName,
		ExpiryDateEpoch: key.ExpiryDateEpoch,
	}
}
