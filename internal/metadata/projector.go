package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// ErrNotFound is returned when an account has no metadata.
var ErrNotFound = errors.New("IAM service account metadata not found")

// Store is the subset of the Vault client used for metadata and secrets.
type Store interface {
	Read(ctx context.Context, path string) (*vault.Secret, error)
	Write(ctx context.Context, path string, data map[string]interface{}) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]string, error)
}

// IndexPath lists onboarded accounts.
const IndexPath = "metadata/" + policy.Namespace

// Path returns the metadata path of an account.
func Path(accountID, userName string) string {
	return IndexPath + "/" + policy.UniqueName(accountID, userName)
}

// SecretFolder returns the folder holding an account's access key secrets.
func SecretFolder(accountID, userName string) string {
	return policy.Namespace + "/" + policy.UniqueName(accountID, userName)
}

// KeyPath returns the path of one access key secret.
func KeyPath(accountID, userName, accessKeyID string) string {
	return SecretFolder(accountID, userName) + "/" + accessKeyID
}

// KeySecret is the document stored at KeyPath.
type KeySecret struct {
	AccessKeyID     string
	AccessKeySecret string
	AccountID       string
	UserName        string
	ExpiryDateEpoch int64
	CreatedAtEpoch  int64
}

// Projector reads and writes account metadata and key secrets.
type Projector struct {
	store  Store
	logger *logging.Logger
}

// NewProjector creates a projector over store
func NewProjector(store Store, logger *logging.Logger) *Projector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Projector{store: store, logger: logger}
}

// ListOnboarded returns the unique names of every onboarded account.
func (p *Projector) ListOnboarded(ctx context.Context) ([]string, error) {
	keys, err := p.store.List(ctx, IndexPath)
	if err != nil {
		if vault.IsNotFound(err) {
			return []string{}, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimSuffix(k, "/"))
	}
	return out, nil
}

// IsOnboarded reports whether the account is in the onboarded index.
func (p *Projector) IsOnboarded(ctx context.Context, accountID, userName string) (bool, error) {
	names, err := p.ListOnboarded(ctx)
	if err != nil {
		return false, err
	}
	unique := policy.UniqueName(accountID, userName)
	for _, n := range names {
		if n == unique {
			return true, nil
		}
	}
	return false, nil
}

// Load reads an account's metadata. Missing metadata yields ErrNotFound.
func (p *Projector) Load(ctx context.Context, accountID, userName string) (*Account, error) {
	secret, err := p.store.Read(ctx, Path(accountID, userName))
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", policy.UniqueName(accountID, userName), ErrNotFound)
		}
		return nil, err
	}
	account, err := FromDocument(secret.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", policy.UniqueName(accountID, userName), err)
	}
	if account.AccountID == "" {
		account.AccountID = accountID
	}
	if account.UserName == "" {
		account.UserName = userName
	}
	return account, nil
}

// LoadUnique reads an account's metadata by its unique name.
func (p *Projector) LoadUnique(ctx context.Context, unique string) (*Account, error) {
	secret, err := p.store.Read(ctx, IndexPath+"/"+unique)
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", unique, ErrNotFound)
		}
		return nil, err
	}
	account, err := FromDocument(secret.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", unique, err)
	}
	if account.UniqueName() != unique {
		return nil, fmt.Errorf("metadata at %s names %s", unique, account.UniqueName())
	}
	return account, nil
}

// WritePlaceholder writes the minimal metadata entry that reserves the account.
func (p *Projector) WritePlaceholder(ctx context.Context, accountID, userName string) error {
	return p.store.Write(ctx, Path(accountID, userName), map[string]interface{}{
		keyUserName:  userName,
		keyAccountID: accountID,
	})
}

// Save writes the full metadata document.
func (p *Projector) Save(ctx context.Context, a *Account) error {
	return p.store.Write(ctx, Path(a.AccountID, a.UserName), a.Document())
}

// Delete removes the account's metadata entry.
func (p *Projector) Delete(ctx context.Context, accountID, userName string) error {
	return p.store.Delete(ctx, Path(accountID, userName))
}

// Update applies fn to the current metadata and writes the result back.
func (p *Projector) Update(ctx context.Context, accountID, userName string, fn func(*Account) error) (*Account, error) {
	a, err := p.Load(ctx, accountID, userName)
	if err != nil {
		return nil, err
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := p.Save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SetGrant records subject at level in the grant map m.
func (p *Projector) SetGrant(ctx context.Context, accountID, userName string, m Mirror, subject string, level policy.AccessLevel) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		a.Grants(m)[subject] = string(level)
		return nil
	})
	return err
}

// RemoveGrant drops subject from the grant map m.
func (p *Projector) RemoveGrant(ctx context.Context, accountID, userName string, m Mirror, subject string) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		delete(a.Grants(m), subject)
		return nil
	})
	return err
}

// SetActivated flips the activation flag.
func (p *Projector) SetActivated(ctx context.Context, accountID, userName string, activated bool) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		a.IsActivated = activated
		return nil
	})
	return err
}

// OwnerUpdate carries the fields changed by an ownership transfer.
type OwnerUpdate struct {
	OwnerNtid       string
	OwnerEmail      string
	ApplicationID   string
	ApplicationName string
	ApplicationTag  string

	ADSelfSupportGroup string
}

// UpdateOwner rewrites owner and application fields. Empty fields are left
// unchanged. When an owner is given, the old owner's user grant is replaced
// by the new owner's.
func (p *Projector) UpdateOwner(ctx context.Context, accountID, userName string, u OwnerUpdate) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		if u.OwnerNtid != "" {
			users := a.Grants(MirrorUsers)
			if a.OwnerNtid != "" {
				delete(users, strings.ToLower(a.OwnerNtid))
			}
			a.OwnerNtid = u.OwnerNtid
			a.OwnerEmail = u.OwnerEmail
			users[strings.ToLower(u.OwnerNtid)] = string(policy.LevelSudo)
		}
		if u.ADSelfSupportGroup != "" {
			a.ADSelfSupportGroup = u.ADSelfSupportGroup
		}
		if u.ApplicationID != "" {
			a.ApplicationID = u.ApplicationID
		}
		if u.ApplicationName != "" {
			a.ApplicationName = u.ApplicationName
		}
		if u.ApplicationTag != "" {
			a.ApplicationTag = u.ApplicationTag
		}
		return nil
	})
	return err
}

// WriteKeySecret stores an access key secret in the account's folder.
func (p *Projector) WriteKeySecret(ctx context.Context, s KeySecret) error {
	return p.store.Write(ctx, KeyPath(s.AccountID, s.UserName, s.AccessKeyID), map[string]interface{}{
		"accessKeyId":     s.AccessKeyID,
		"accessKeySecret": s.AccessKeySecret,
		"awsAccountId":    s.AccountID,
		"userName":        s.UserName,
		"expiryDateEpoch": s.ExpiryDateEpoch,
		"createdAtEpoch":  s.CreatedAtEpoch,
	})
}

// ReadKeySecret reads an access key secret.
func (p *Projector) ReadKeySecret(ctx context.Context, accountID, userName, accessKeyID string) (*KeySecret, error) {
	secret, err := p.store.Read(ctx, KeyPath(accountID, userName, accessKeyID))
	if err != nil {
		if vault.IsNotFound(err) {
			return nil, fmt.Errorf("access key %s: %w", accessKeyID, ErrNotFound)
		}
		return nil, err
	}
	expiry, err := int64Field(secret.Data["expiryDateEpoch"])
	if err != nil {
		return nil, fmt.Errorf("expiryDateEpoch: %w", err)
	}
	created, err := int64Field(secret.Data["createdAtEpoch"])
	if err != nil {
		return nil, fmt.Errorf("createdAtEpoch: %w", err)
	}
	return &KeySecret{
		AccessKeyID:     stringField(secret.Data, "accessKeyId"),
		AccessKeySecret: stringField(secret.Data, "accessKeySecret"),
		AccountID:       accountID,
		UserName:        userName,
		ExpiryDateEpoch: expiry,
		CreatedAtEpoch:  created,
	}, nil
}

// DeleteKeySecret removes one access key secret.
func (p *Projector) DeleteKeySecret(ctx context.Context, accountID, userName, accessKeyID string) error {
	err := p.store.Delete(ctx, KeyPath(accountID, userName, accessKeyID))
	if vault.IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteSecretFolder removes every key secret of the account and the folder itself.
func (p *Projector) DeleteSecretFolder(ctx context.Context, accountID, userName string) error {
	folder := SecretFolder(accountID, userName)
	keys, err := p.store.List(ctx, folder)
	if err != nil && !vault.IsNotFound(err) {
		return fmt.Errorf("list %s: %w", folder, err)
	}
	var errs []error
	for _, k := range keys {
		if err := p.store.Delete(ctx, folder+"/"+strings.TrimSuffix(k, "/")); err != nil && !vault.IsNotFound(err) {
			errs = append(errs, err)
		}
	}
	if err := p.store.Delete(ctx, folder); err != nil && !vault.IsNotFound(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AddKey appends an access key, refusing to exceed MaxAccessKeys.
func (p *Projector) AddKey(ctx context.Context, accountID, userName string, key AccessKey) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		if _, exists := a.Key(key.AccessKeyID); exists {
			return fmt.Errorf("access key %s is already recorded", key.AccessKeyID)
		}
		if len(a.Secrets) >= MaxAccessKeys {
			return fmt.Errorf("account already holds %d access keys", MaxAccessKeys)
		}
		a.Secrets = append(a.Secrets, key)
		return nil
	})
	return err
}

// RemoveKey drops an access key from the metadata.
func (p *Projector) RemoveKey(ctx context.Context, accountID, userName, accessKeyID string) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		if !a.RemoveKey(accessKeyID) {
			return fmt.Errorf("access key %s: %w", accessKeyID, ErrNotFound)
		}
		return nil
	})
	return err
}

// ReplaceKey swaps oldID for next, keeping the key's position.
func (p *Projector) ReplaceKey(ctx context.Context, accountID, userName, oldID string, next AccessKey) error {
	_, err := p.Update(ctx, accountID, userName, func(a *Account) error {
		if !a.ReplaceKey(oldID, next) {
			return fmt.Errorf("access key %s: %w", oldID, ErrNotFound)
		}
		return nil
	})
	return err
}
