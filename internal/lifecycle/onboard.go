package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/rollback"
)

// Onboard steps.
const (
	StepPlaceholder    = "write_placeholder"
	StepMetadata       = "write_metadata"
	StepCreatePolicies = "create_policies"
	StepPersistSecrets = "persist_secrets"
	StepOwnerGrant     = "grant_owner"
	StepSelfSupport    = "grant_self_support_group"
	StepRollback       = "rollback"
	StepNotify         = "notify"
)

// MessageOnboarded is the message of a successful onboarding.
const MessageOnboarded = "Successfully completed onboarding of IAM service account into TVault for password rotation."

var (
	accountIDPattern = regexp.MustCompile(`^[0-9]+$`)
	userNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9+=,.@_-]+$`)
	ntidPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// OnboardRequest describes an IAM service account to onboard.
type OnboardRequest struct {
	AccountID          string
	UserName           string
	AccountName        string
	CreatedAtEpoch     int64
	OwnerNtid          string
	OwnerEmail         string
	ApplicationID      string
	ApplicationName    string
	ApplicationTag     string
	ADSelfSupportGroup string
	Secrets            []metadata.AccessKey
}

// Validate checks the request shape. It never calls a backend.
func (r *OnboardRequest) Validate() error {
	if err := validateAccount(r.AccountID, r.UserName); err != nil {
		return err
	}
	if r.OwnerNtid == "" || !ntidPattern.MatchString(r.OwnerNtid) {
		return ierrors.Validation("Invalid value specified for owner_ntid")
	}
	if strings.TrimSpace(r.OwnerEmail) == "" {
		return ierrors.Validation("Invalid value specified for owner_email")
	}
	if err := metadata.ValidateKeys(r.Secrets); err != nil {
		return ierrors.Validation("Invalid secret data: " + err.Error())
	}
	return nil
}

func validateAccount(accountID, userName string) error {
	if accountID == "" || len(accountID) > 12 || !accountIDPattern.MatchString(accountID) {
		return ierrors.Validation("Invalid value specified for awsAccountId")
	}
	if userName == "" || len(userName) > 64 || !userNamePattern.MatchString(userName) {
		return ierrors.Validation("Invalid value specified for userName")
	}
	return nil
}

func (r *OnboardRequest) account() *metadata.Account {
	secrets := make([]metadata.AccessKey, len(r.Secrets))
	copy(secrets, r.Secrets)
	return &metadata.Account{
		UserName:           r.UserName,
		AccountID:          r.AccountID,
		AccountName:        r.AccountName,
		CreatedAtEpoch:     r.CreatedAtEpoch,
		OwnerNtid:          r.OwnerNtid,
		OwnerEmail:         r.OwnerEmail,
		ApplicationID:      r.ApplicationID,
		ApplicationName:    r.ApplicationName,
		ApplicationTag:     r.ApplicationTag,
		ADSelfSupportGroup: r.ADSelfSupportGroup,
		Secrets:            secrets,
	}
}

// Onboard registers an IAM service account: metadata, its policy set and
// the owner's grant. A failure after the placeholder is written rolls every
// created artifact back.
func (s *Service) Onboard(ctx context.Context, caller *permissions.Caller, req OnboardRequest) *Result {
	return s.run(ctx, OpOnboard, caller, req.AccountID, req.UserName, func(ctx context.Context, entry *journal.Entry) *Result {
		if !caller.IsAdmin && !s.isPlatformAdmin(ctx, caller) {
			return failure(ierrors.Unauthorized("Access denied: no permission to onboard IAM service accounts"))
		}
		if err := req.Validate(); err != nil {
			return failure(err)
		}

		onboarded, err := s.projector.IsOnboarded(ctx, req.AccountID, req.UserName)
		if err != nil {
			return failure(ierrors.Dependency(StepPlaceholder, "Failed to read onboarded IAM service accounts", err))
		}
		if onboarded {
			return failure(ierrors.Conflict("Failed to onboard IAM Service Account into TVault for password rotation. IAM Service Account already onboarded"))
		}

		account := req.account()
		if account.CreatedAtEpoch == 0 {
			account.CreatedAtEpoch = s.now().UnixMilli()
		}

		if err := s.step(entry, StepPlaceholder, func() error {
			return s.projector.WritePlaceholder(ctx, req.AccountID, req.UserName)
		}); err != nil {
			return failure(ierrors.Dependency(StepPlaceholder, "Failed to onboard IAM service account into TVault", err))
		}

		var created []string
		fail := func(step string, err error) *Result {
			return s.rollbackOnboard(ctx, entry, account, created, step, err)
		}

		if err := s.step(entry, StepMetadata, func() error {
			return s.projector.Save(ctx, account)
		}); err != nil {
			return fail(StepMetadata, err)
		}

		if err := s.step(entry, StepCreatePolicies, func() error {
			var err error
			created, err = s.policies.CreateSet(ctx, req.AccountID, req.UserName)
			return err
		}); err != nil {
			return fail(StepCreatePolicies, err)
		}

		if err := s.step(entry, StepPersistSecrets, func() error {
			for _, key := range account.Secrets {
				if err := s.projector.WriteKeySecret(ctx, metadata.KeySecret{
					AccessKeyID:     key.AccessKeyID,
					AccountID:       req.AccountID,
					UserName:        req.UserName,
					ExpiryDateEpoch: key.ExpiryDateEpoch,
					CreatedAtEpoch:  account.CreatedAtEpoch,
				}); err != nil {
					return fmt.Errorf("access key %s: %w", key.AccessKeyID, err)
				}
			}
			return nil
		}); err != nil {
			return fail(StepPersistSecrets, err)
		}

		if err := s.step(entry, StepOwnerGrant, func() error {
			return s.grantOwner(ctx, req.AccountID, req.UserName, req.OwnerNtid)
		}); err != nil {
			return fail(StepOwnerGrant, err)
		}

		res := success(http.StatusOK, MessageOnboarded)
		if req.ADSelfSupportGroup == "" {
			entry.Skip(StepSelfSupport)
		} else if err := s.step(entry, StepSelfSupport, func() error {
			return s.grantSelfSupport(ctx, req.AccountID, req.UserName, req.ADSelfSupportGroup)
		}); err != nil {
			res = partial(StepSelfSupport, MessageOnboarded+" Failed to add rotate permission to the self-support group "+req.ADSelfSupportGroup+".", err)
		}

		s.rollback.Reset(account.UniqueName())
		s.notify(ctx, entry, account, req.OwnerEmail, notifications.TemplateOnboarded,
			"Onboarded IAM service account "+req.UserName, map[string]string{
				"owner": req.OwnerNtid,
				"actor": caller.Username,
			})
		return res
	})
}

func (s *Service) grantOwner(ctx context.Context, accountID, userName, owner string) error {
	name := policy.NameFor(policy.LevelSudo, accountID, userName)
	if _, err := identity.Grant(ctx, s.principals, identity.KindUser, owner, name, replaced(policy.LevelSudo, accountID, userName)...); err != nil {
		return fmt.Errorf("grant %s to %s: %w", name, owner, err)
	}
	return s.projector.SetGrant(ctx, accountID, userName, metadata.MirrorUsers, strings.ToLower(owner), policy.LevelSudo)
}

func (s *Service) grantSelfSupport(ctx context.Context, accountID, userName, group string) error {
	name := policy.NameFor(policy.LevelRotate, accountID, userName)
	if _, err := identity.Grant(ctx, s.principals, identity.KindGroup, group, name, replaced(policy.LevelRotate, accountID, userName)...); err != nil {
		return fmt.Errorf("grant %s to group %s: %w", name, group, err)
	}
	return s.projector.SetGrant(ctx, accountID, userName, metadata.MirrorGroups, group, policy.LevelRotate)
}

// rollbackOnboard undoes a failed onboarding: owner grant, created
// policies, key secrets and metadata.
func (s *Service) rollbackOnboard(ctx context.Context, entry *journal.Entry, account *metadata.Account, created []string, failedStep string, cause error) *Result {
	accountID, userName := account.AccountID, account.UserName
	req := rollback.Request{
		Account:     account.UniqueName(),
		Reason:      cause.Error(),
		FailedStep:  failedStep,
		InitiatedBy: "onboard",
		RestoreFunc: func(ctx context.Context) error {
			var errs []error
			if failedStep == StepOwnerGrant {
				_, err := identity.Revoke(ctx, s.principals, identity.KindUser, account.OwnerNtid, policy.Names(accountID, userName)...)
				if err != nil && !errors.Is(err, identity.ErrNotFound) {
					errs = append(errs, fmt.Errorf("revoke owner grant: %w", err))
				}
			}
			if len(created) > 0 {
				if err := s.policies.Delete(ctx, created); err != nil {
					errs = append(errs, err)
				}
			}
			if err := s.projector.DeleteSecretFolder(ctx, accountID, userName); err != nil {
				errs = append(errs, err)
			}
			if err := s.projector.Delete(ctx, accountID, userName); err != nil {
				errs = append(errs, fmt.Errorf("delete metadata: %w", err))
			}
			return errors.Join(errs...)
		},
		VerifyFunc: func(ctx context.Context) error {
			_, err := s.projector.Load(ctx, accountID, userName)
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("metadata for %s still present", account.UniqueName())
		},
	}

	message := "Failed to onboard IAM service account into TVault for password rotation."
	var rbErr error
	_ = s.step(entry, StepRollback, func() error {
		_, rbErr = s.rollback.Rollback(ctx, req)
		return rbErr
	})
	final := rollback.StateFailed
	if state := s.rollback.GetState(req.Account); state != nil {
		final = state.GetCurrent()
	}
	s.metrics.RecordRollback(string(final))
	if rbErr != nil {
		message += " Rollback did not complete; remaining artifacts must be removed manually."
		return failure(ierrors.Dependency(failedStep, message, errors.Join(cause, rbErr)))
	}
	s.rollback.Reset(req.Account)
	return failure(ierrors.Dependency(failedStep, message, cause))
}

// replaced lists the account policies a grant at level supersedes.
func replaced(level policy.AccessLevel, accountID, userName string) []string {
	keep := policy.NameFor(level, accountID, userName)
	out := make([]string, 0, 3)
	for _, name := range policy.Names(accountID, userName) {
		if name != keep {
			out = append(out, name)
		}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, metadata.ErrNotFound)
}
