// Package lifecycle orchestrates the lifecycle of IAM service accounts:
// onboarding, activation, ownership transfer, access grants, access key
// operations and offboarding. Each operation sequences calls to the secret
// store, the identity backends and AWS IAM, and reports a Result that says
// exactly which step failed.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/metrics"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
	"github.com/systmms/iamsvc/internal/rollback"
)

// PolicyAdmin creates and deletes account policy sets.
type PolicyAdmin interface {
	CreateSet(ctx context.Context, accountID, userName string) ([]string, error)
	DeleteSet(ctx context.Context, accountID, userName string) error
	Delete(ctx context.Context, names []string) error
}

// KeyManager mints, rotates and deletes access keys in AWS.
type KeyManager interface {
	CreateAccessKeys(ctx context.Context, accountID, userName string) (*awsiam.AccessKey, error)
	RotateSecret(ctx context.Context, accountID, userName, oldKeyID string) (*awsiam.AccessKey, error)
	DeleteAccessKey(ctx context.Context, accountID, userName, accessKeyID string) error
}

// Notifier queues owner notifications. Delivery failures never reach the caller.
type Notifier interface {
	SendTemplatedEmail(ctx context.Context, account string, to []string, subject, template string, data map[string]string) string
}

// Dependencies are the collaborators of a Service. Journal, Notifier and
// Rollback are optional.
type Dependencies struct {
	Projector  *metadata.Projector
	Policies   PolicyAdmin
	Principals identity.PolicyHolder
	// RoleStore reads approle and aws role creator metadata.
	RoleStore identity.Store
	Keys      KeyManager
	Evaluator *permissions.Evaluator
	Notifier  Notifier
	Rollback  *rollback.Manager
	Journal   journal.Storage
	Logger    *logging.Logger
}

// Service runs lifecycle operations.
type Service struct {
	projector  *metadata.Projector
	policies   PolicyAdmin
	principals identity.PolicyHolder
	roleStore  identity.Store
	keys       KeyManager
	evaluator  *permissions.Evaluator
	notifier   Notifier
	rollback   *rollback.Manager
	journal    journal.Storage
	metrics    *metrics.OperationMetrics
	logger     *logging.Logger
	locks      *accountLocks
	now        func() time.Time
}

// NewService creates a service from its dependencies.
func NewService(deps Dependencies) (*Service, error) {
	switch {
	case deps.Projector == nil:
		return nil, fmt.Errorf("lifecycle: metadata projector is required")
	case deps.Policies == nil:
		return nil, fmt.Errorf("lifecycle: policy admin is required")
	case deps.Principals == nil:
		return nil, fmt.Errorf("lifecycle: identity backend is required")
	case deps.Keys == nil:
		return nil, fmt.Errorf("lifecycle: key manager is required")
	case deps.Evaluator == nil:
		return nil, fmt.Errorf("lifecycle: authorization evaluator is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	rb := deps.Rollback
	if rb == nil {
		rb = rollback.NewManager(rollback.DefaultConfig(), logger)
	}

	return &Service{
		projector:  deps.Projector,
		policies:   deps.Policies,
		principals: deps.Principals,
		roleStore:  deps.RoleStore,
		keys:       deps.Keys,
		evaluator:  deps.Evaluator,
		notifier:   deps.Notifier,
		rollback:   rb,
		journal:    deps.Journal,
		metrics:    metrics.NewOperationMetrics(),
		logger:     logger,
		locks:      newAccountLocks(),
		now:        time.Now,
	}, nil
}

// Operation names, used for the journal and metrics.
const (
	OpOnboard         = "onboard"
	OpActivate        = "activate"
	OpTransferOwner   = "transfer_owner"
	OpGrantUser       = "grant_user"
	OpRevokeUser      = "revoke_user"
	OpGrantGroup      = "grant_group"
	OpRevokeGroup     = "revoke_group"
	OpGrantAppRole    = "grant_approle"
	OpRevokeAppRole   = "revoke_approle"
	OpGrantAwsRole    = "grant_awsrole"
	OpRevokeAwsRole   = "revoke_awsrole"
	OpCreateAccessKey = "create_access_key"
	OpRotateAccessKey = "rotate_access_key"
	OpDeleteAccessKey = "delete_access_key"
	OpReadAccessKey   = "read_access_key"
	OpListKeys        = "list_access_keys"
	OpListAccessible  = "list_accessible"
	OpListOnboarded   = "list_onboarded"
	OpOffboard        = "offboard"
)

// Steps shared by several operations.
const (
	StepReadMetadata   = "read_metadata"
	StepUpdateMetadata = "update_metadata"
	StepBackendGrant   = "update_principal"
)

// run executes fn under the account lock and records the outcome.
func (s *Service) run(ctx context.Context, op string, caller *permissions.Caller, accountID, userName string, fn func(ctx context.Context, entry *journal.Entry) *Result) *Result {
	unique := policy.UniqueName(accountID, userName)
	unlock := s.locks.lock(unique)
	defer unlock()
	return s.record(ctx, op, caller, unique, true, fn)
}

// view executes a read-only operation. It is not journaled.
func (s *Service) view(ctx context.Context, op string, caller *permissions.Caller, account string, fn func(ctx context.Context, entry *journal.Entry) *Result) *Result {
	return s.record(ctx, op, caller, account, false, fn)
}

// record executes fn without locking and records the outcome.
func (s *Service) record(ctx context.Context, op string, caller *permissions.Caller, account string, save bool, fn func(ctx context.Context, entry *journal.Entry) *Result) *Result {
	started := time.Now()
	entry := journal.NewEntry(account, op, callerName(caller))
	log := s.logger.With(op)

	var res *Result
	if caller == nil {
		res = failure(ierrors.Unauthorized("Access denied: no caller identity"))
	} else {
		res = fn(ctx, entry)
	}

	switch res.Status {
	case StatusSuccess:
		log.Debug("%s: %s", account, res.Message)
	case StatusPartialSuccess:
		log.Warn("%s: %s (step %s): %v", account, res.Message, res.FailedStep, res.Err)
	default:
		if ierrors.KindOf(res.Err) == ierrors.KindDependency {
			log.Error("%s: %s: %v", account, res.Message, res.Err)
		} else {
			log.Debug("%s: %s", account, res.Message)
		}
	}

	entry.Finish(string(res.Status), res.Message)
	if save && s.journal != nil && account != "" {
		if err := s.journal.Save(entry); err != nil {
			log.Warn("Failed to journal %s on %s: %v", op, account, err)
		} else {
			res.JournalID = entry.ID
		}
	}

	s.metrics.RecordOperation(op, string(res.Status), time.Since(started).Seconds())
	if ierrors.KindOf(res.Err) == ierrors.KindAuthorization {
		s.metrics.RecordDenied(op)
	}
	return res
}

// step runs one side effect and records it in the journal entry.
func (s *Service) step(entry *journal.Entry, name string, fn func() error) error {
	started := time.Now()
	s.logger.Debug("%s: %s", entry.Account, name)
	err := fn()
	entry.Step(name, started, err)
	return err
}

// authorize checks that caller holds required on the account.
func (s *Service) authorize(caller *permissions.Caller, accountID, userName string, required policy.AccessLevel, message string) error {
	result := s.evaluator.Check(permissions.Request{
		Caller:    caller,
		AccountID: accountID,
		UserName:  userName,
		Required:  required,
	})
	if !result.Allowed {
		s.logger.Debug("%s not authorized on %s: %s", callerName(caller), policy.UniqueName(accountID, userName), result.Reason)
		return ierrors.Unauthorized(message)
	}
	return nil
}

// isPlatformAdmin reports whether caller holds the process-wide admin policy.
func (s *Service) isPlatformAdmin(ctx context.Context, caller *permissions.Caller) bool {
	return caller != nil && s.evaluator.HasAdminPolicy(ctx, caller.Token)
}

// load reads account metadata, classifying a missing account as not found.
func (s *Service) load(ctx context.Context, accountID, userName, message string) (*metadata.Account, error) {
	account, err := s.projector.Load(ctx, accountID, userName)
	if err != nil {
		if isNotFound(err) {
			return nil, ierrors.NotFound(message)
		}
		return nil, ierrors.Dependency(StepReadMetadata, message, err)
	}
	return account, nil
}

func (s *Service) notify(ctx context.Context, entry *journal.Entry, account *metadata.Account, to, template, subject string, data map[string]string) {
	if s.notifier == nil || to == "" {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["userName"] = account.UserName
	data["awsAccountId"] = account.AccountID
	if _, ok := data["applicationName"]; !ok {
		data["applicationName"] = account.ApplicationName
	}
	entry.NotificationID = s.notifier.SendTemplatedEmail(ctx, account.UniqueName(), []string{to}, subject, template, data)
}

func callerName(caller *permissions.Caller) string {
	if caller == nil {
		return ""
	}
	return caller.Username
}

func sameSubject(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
