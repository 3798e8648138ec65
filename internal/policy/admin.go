package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/systmms/iamsvc/internal/logging"
)

// Writer is the subset of the Vault client that manages ACL policies.
type Writer interface {
	PutPolicy(ctx context.Context, name, rules string) error
	DeletePolicy(ctx context.Context, name string) error
}

// Admin creates and deletes the policy set of an account.
type Admin struct {
	client Writer
	logger *logging.Logger
}

// NewAdmin creates a policy admin
func NewAdmin(client Writer, logger *logging.Logger) *Admin {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Admin{client: client, logger: logger}
}

// CreateSet writes the four policies of an account. On failure it returns
// the names already written so the caller can undo them.
func (a *Admin) CreateSet(ctx context.Context, accountID, userName string) ([]string, error) {
	created := make([]string, 0, 4)
	for _, level := range []AccessLevel{LevelRead, LevelWrite, LevelDeny, LevelOwner} {
		name := NameFor(level, accountID, userName)
		if err := a.client.PutPolicy(ctx, name, Rules(level, accountID, userName)); err != nil {
			a.logger.Error("Failed to create policy %s: %v", name, err)
			return created, fmt.Errorf("create policy %s: %w", name, err)
		}
		created = append(created, name)
	}
	a.logger.Debug("Created policy set for %s", UniqueName(accountID, userName))
	return created, nil
}

// DeleteSet deletes the four policies of an account. Every delete is
// attempted; the joined errors are returned.
func (a *Admin) DeleteSet(ctx context.Context, accountID, userName string) error {
	return a.Delete(ctx, Names(accountID, userName))
}

// Delete deletes the named policies, attempting all of them.
func (a *Admin) Delete(ctx context.Context, names []string) error {
	var errs []error
	for _, name := range names {
		if err := a.client.DeletePolicy(ctx, name); err != nil {
			a.logger.Error("Failed to delete policy %s: %v", name, err)
			errs = append(errs, fmt.Errorf("delete policy %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Rules renders the ACL body for a level on an account.
func Rules(level AccessLevel, accountID, userName string) string {
	unique := UniqueName(accountID, userName)
	secrets := fmt.Sprintf("%s/%s/*", Namespace, unique)
	folder := fmt.Sprintf("%s/%s", Namespace, unique)

	var caps string
	switch level.Canonical() {
	case LevelRead:
		caps = `["read", "list"]`
	case LevelWrite:
		caps = `["read", "create", "update", "list"]`
	case LevelOwner:
		caps = `["read", "create", "update", "delete", "list", "sudo"]`
	default:
		caps = `["deny"]`
	}

	return fmt.Sprintf("path %q {\n  capabilities = %s\n}\npath %q {\n  capabilities = %s\n}\n", secrets, caps, folder, caps)
}
