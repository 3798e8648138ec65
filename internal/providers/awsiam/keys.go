package awsiam

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
	"github.com/systmms/iamsvc/internal/secure"
)

// AccessKey is a freshly minted access key. Secret is only available here;
// callers persist it and wipe it.
type AccessKey struct {
	AccessKeyID     string
	Secret          *secure.Secret
	AccountID       string
	UserName        string
	Status          string
	CreatedAt       time.Time
	ExpiryDateEpoch int64 // milliseconds
}

// KeyInfo describes an existing access key.
type KeyInfo struct {
	AccessKeyID string
	Status      string
	CreatedAt   time.Time
}

// ListAccessKeys lists the keys of an IAM user.
func (c *Client) ListAccessKeys(ctx context.Context, accountID, userName string) ([]KeyInfo, error) {
	client, err := c.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out, err := client.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, c.handleError(err, accountID, userName)
	}
	keys := make([]KeyInfo, 0, len(out.AccessKeyMetadata))
	for _, md := range out.AccessKeyMetadata {
		info := KeyInfo{
			AccessKeyID: aws.ToString(md.AccessKeyId),
			Status:      string(md.Status),
		}
		if md.CreateDate != nil {
			info.CreatedAt = *md.CreateDate
		}
		keys = append(keys, info)
	}
	return keys, nil
}

// CreateAccessKeys mints a new key for the IAM user. It fails with
// ErrQuotaExceeded when the user already holds MaxAccessKeys keys.
func (c *Client) CreateAccessKeys(ctx context.Context, accountID, userName string) (*AccessKey, error) {
	existing, err := c.ListAccessKeys(ctx, accountID, userName)
	if err != nil {
		return nil, err
	}
	if len(existing) >= MaxAccessKeys {
		return nil, fmt.Errorf("%s in account %s holds %d keys: %w", userName, accountID, len(existing), ErrQuotaExceeded)
	}
	return c.create(ctx, accountID, userName)
}

// RotateSecret replaces oldKeyID with a new key. When the user is at the
// key limit the old key is deleted first; otherwise the new key is created
// before the old one is removed. Failures after AWS was changed are
// reported with ErrOldKeyDeleted, ErrOldKeyKept or an *OrphanKeyError.
func (c *Client) RotateSecret(ctx context.Context, accountID, userName, oldKeyID string) (*AccessKey, error) {
	existing, err := c.ListAccessKeys(ctx, accountID, userName)
	if err != nil {
		return nil, err
	}

	if len(existing) >= MaxAccessKeys {
		if err := c.DeleteAccessKey(ctx, accountID, userName, oldKeyID); err != nil {
			return nil, err
		}
		key, err := c.create(ctx, accountID, userName)
		if err != nil {
			c.logger.Warn("Old key %s of %s deleted but no replacement was created: %v", oldKeyID, userName, err)
			return nil, fmt.Errorf("replace %s: %w: %w", oldKeyID, ErrOldKeyDeleted, err)
		}
		return key, nil
	}

	key, err := c.create(ctx, accountID, userName)
	if err != nil {
		return nil, err
	}
	if !hasKey(existing, oldKeyID) {
		c.logger.Debug("Key %s not present for %s, nothing to delete", oldKeyID, userName)
		return key, nil
	}
	if err := c.DeleteAccessKey(ctx, accountID, userName, oldKeyID); err != nil {
		key.Secret.Wipe()
		if undoErr := c.DeleteAccessKey(ctx, accountID, userName, key.AccessKeyID); undoErr != nil {
			c.logger.Error("New key %s of %s could not be deleted after old key %s was kept: %v", key.AccessKeyID, userName, oldKeyID, undoErr)
			return nil, &OrphanKeyError{
				AccessKeyID: key.AccessKeyID,
				Err:         errors.Join(fmt.Errorf("delete old key %s: %w", oldKeyID, err), fmt.Errorf("delete new key: %w", undoErr)),
			}
		}
		return nil, fmt.Errorf("delete old key %s: %w: %w", oldKeyID, ErrOldKeyKept, err)
	}
	return key, nil
}

// DeleteAccessKey deletes a key of the IAM user.
func (c *Client) DeleteAccessKey(ctx context.Context, accountID, userName, accessKeyID string) error {
	client, err := c.client(ctx, accountID)
	if err != nil {
		return err
	}
	_, err = client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{
		AccessKeyId: aws.String(accessKeyID),
		UserName:    aws.String(userName),
	})
	if err != nil {
		return c.handleError(err, accountID, userName)
	}
	c.logger.Debug("Deleted access key %s of %s in %s", accessKeyID, userName, accountID)
	return nil
}

func (c *Client) create(ctx context.Context, accountID, userName string) (*AccessKey, error) {
	client, err := c.client(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: aws.String(userName)})
	if err != nil {
		return nil, c.handleError(err, accountID, userName)
	}
	if out.AccessKey == nil {
		return nil, fmt.Errorf("create access key for %s returned no key", userName)
	}

	secret, err := secure.NewSecret(aws.ToString(out.AccessKey.SecretAccessKey))
	if err != nil {
		return nil, fmt.Errorf("create access key for %s: %w", userName, err)
	}

	created := c.now()
	if out.AccessKey.CreateDate != nil {
		created = *out.AccessKey.CreateDate
	}
	key := &AccessKey{
		AccessKeyID:     aws.ToString(out.AccessKey.AccessKeyId),
		Secret:          secret,
		AccountID:       accountID,
		UserName:        userName,
		Status:          string(out.AccessKey.Status),
		CreatedAt:       created,
		ExpiryDateEpoch: created.Add(c.KeyTTL()).UnixMilli(),
	}
	c.logger.Debug("Created access key %s for %s in %s", key.AccessKeyID, userName, accountID)
	return key, nil
}

func hasKey(keys []KeyInfo, id string) bool {
	for _, k := range keys {
		if k.AccessKeyID == id {
			return true
		}
	}
	return false
}

// handleError converts AWS errors to the package's sentinel errors
func (c *Client) handleError(err error, accountID, userName string) error {
	var limit *types.LimitExceededException
	if errors.As(err, &limit) {
		return fmt.Errorf("%s in account %s: %w", userName, accountID, ErrQuotaExceeded)
	}
	var noSuch *types.NoSuchEntityException
	if errors.As(err, &noSuch) {
		return fmt.Errorf("%s in account %s: %w", userName, accountID, ErrNoSuchEntity)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "LimitExceeded":
			return fmt.Errorf("%s in account %s: %w", userName, accountID, ErrQuotaExceeded)
		case "NoSuchEntity":
			return fmt.Errorf("%s in account %s: %w", userName, accountID, ErrNoSuchEntity)
		}
		if isAuthError(apiErr.ErrorCode()) {
			return fmt.Errorf("AWS IAM authorization failed for account %s: %w", accountID, err)
		}
	}
	return fmt.Errorf("AWS IAM error: %w", err)
}

func isAuthError(code string) bool {
	return strings.Contains(code, "AccessDenied") ||
		strings.Contains(code, "UnauthorizedOperation") ||
		strings.Contains(code, "InvalidClientTokenId")
}
