// Package metadata maps IAM service account metadata between the document
// stored in Vault and the in-memory Account.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/systmms/iamsvc/internal/policy"
)

// MaxAccessKeys is the number of live access keys an IAM user may hold.
const MaxAccessKeys = 2

// Mirror names a grant map in the metadata document.
type Mirror string

const (
	MirrorUsers    Mirror = "users"
	MirrorGroups   Mirror = "groups"
	MirrorAppRoles Mirror = "app-roles"
	MirrorAwsRoles Mirror = "aws-roles"
)

// Mirrors lists every grant map in document order.
var Mirrors = []Mirror{MirrorUsers, MirrorGroups, MirrorAppRoles, MirrorAwsRoles}

// Wire keys of the metadata document.
const (
	keyUserName       = "userName"
	keyAccountID      = "awsAccountId"
	keyAccountName    = "awsAccountName"
	keyCreatedAt      = "createdAtEpoch"
	keyOwnerNtid      = "owner_ntid"
	keyOwnerEmail     = "owner_email"
	keyAppID          = "application_id"
	keyAppName        = "application_name"
	keyAppTag         = "application_tag"
	keyActivated      = "isActivated"
	keySelfSupport    = "adSelfSupportGroup"
	keySecret         = "secret"
	keyAccessKeyID    = "accessKeyId"
	keyExpiryDuration = "expiryDuration"
	keyCreatedDate    = "createdDate"
	keyStatus         = "status"
)

// AccessKey is an access key as recorded in metadata. The secret value is
// never part of it.
type AccessKey struct {
	AccessKeyID     string `json:"accessKeyId"`
	ExpiryDateEpoch int64  `json:"expiryDuration"`
	CreatedDate     string `json:"createdDate,omitempty"`
	Status          string `json:"status,omitempty"`
}

// Account is the metadata of an onboarded IAM service account.
type Account struct {
	UserName           string
	AccountID          string
	AccountName        string
	CreatedAtEpoch     int64
	OwnerNtid          string
	OwnerEmail         string
	ApplicationID      string
	ApplicationName    string
	ApplicationTag     string
	IsActivated        bool
	ADSelfSupportGroup string
	Secrets            []AccessKey
	Users              map[string]string
	Groups             map[string]string
	AppRoles           map[string]string
	AwsRoles           map[string]string
}

// UniqueName identifies the account across the platform.
func (a *Account) UniqueName() string {
	return policy.UniqueName(a.AccountID, a.UserName)
}

// Grants returns the grant map for m, allocating it if needed.
func (a *Account) Grants(m Mirror) map[string]string {
	ptr := a.grantsPtr(m)
	if ptr == nil {
		return nil
	}
	if *ptr == nil {
		*ptr = map[string]string{}
	}
	return *ptr
}

func (a *Account) grantsPtr(m Mirror) *map[string]string {
	switch m {
	case MirrorUsers:
		return &a.Users
	case MirrorGroups:
		return &a.Groups
	case MirrorAppRoles:
		return &a.AppRoles
	case MirrorAwsRoles:
		return &a.AwsRoles
	default:
		return nil
	}
}

// Key returns the access key with the given id.
func (a *Account) Key(accessKeyID string) (AccessKey, bool) {
	for _, k := range a.Secrets {
		if k.AccessKeyID == accessKeyID {
			return k, true
		}
	}
	return AccessKey{}, false
}

// RemoveKey drops the access key with the given id and reports whether it was present.
func (a *Account) RemoveKey(accessKeyID string) bool {
	for i, k := range a.Secrets {
		if k.AccessKeyID == accessKeyID {
			a.Secrets = append(a.Secrets[:i], a.Secrets[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceKey swaps the key oldID for next in place, keeping order.
func (a *Account) ReplaceKey(oldID string, next AccessKey) bool {
	for i, k := range a.Secrets {
		if k.AccessKeyID == oldID {
			a.Secrets[i] = next
			return true
		}
	}
	return false
}

// ValidateKeys checks the secret list of an onboarding request: non-empty,
// at most MaxAccessKeys, every id set and unique, every expiry positive.
func ValidateKeys(keys []AccessKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("at least one access key is required")
	}
	if len(keys) > MaxAccessKeys {
		return fmt.Errorf("an IAM service account can have at most %d access keys", MaxAccessKeys)
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k.AccessKeyID) == "" {
			return fmt.Errorf("access key id is required")
		}
		if k.ExpiryDateEpoch <= 0 {
			return fmt.Errorf("expiry for access key %s must be positive", k.AccessKeyID)
		}
		if _, dup := seen[k.AccessKeyID]; dup {
			return fmt.Errorf("duplicate access key %s", k.AccessKeyID)
		}
		seen[k.AccessKeyID] = struct{}{}
	}
	return nil
}

// Document renders the account as the wire metadata document.
func (a *Account) Document() map[string]interface{} {
	secrets := make([]interface{}, 0, len(a.Secrets))
	for _, k := range a.Secrets {
		entry := map[string]interface{}{
			keyAccessKeyID:    k.AccessKeyID,
			keyExpiryDuration: k.ExpiryDateEpoch,
		}
		if k.CreatedDate != "" {
			entry[keyCreatedDate] = k.CreatedDate
		}
		if k.Status != "" {
			entry[keyStatus] = k.Status
		}
		secrets = append(secrets, entry)
	}

	doc := map[string]interface{}{
		keyUserName:    a.UserName,
		keyAccountID:   a.AccountID,
		keyAccountName: a.AccountName,
		keyCreatedAt:   a.CreatedAtEpoch,
		keyOwnerNtid:   a.OwnerNtid,
		keyOwnerEmail:  a.OwnerEmail,
		keyAppID:       a.ApplicationID,
		keyAppName:     a.ApplicationName,
		keyAppTag:      a.ApplicationTag,
		keyActivated:   a.IsActivated,
		keySecret:      secrets,
	}
	if a.ADSelfSupportGroup != "" {
		doc[keySelfSupport] = a.ADSelfSupportGroup
	}
	for _, m := range Mirrors {
		grants := *a.grantsPtr(m)
		if len(grants) == 0 {
			continue
		}
		out := make(map[string]interface{}, len(grants))
		for subject, level := range grants {
			out[subject] = level
		}
		doc[string(m)] = out
	}
	return doc
}

// FromDocument parses a metadata document. Numbers and booleans are
// accepted in native or string form.
func FromDocument(doc map[string]interface{}) (*Account, error) {
	if doc == nil {
		return nil, fmt.Errorf("empty metadata document")
	}

	a := &Account{
		UserName:           stringField(doc, keyUserName),
		AccountID:          stringField(doc, keyAccountID),
		AccountName:        stringField(doc, keyAccountName),
		OwnerNtid:          stringField(doc, keyOwnerNtid),
		OwnerEmail:         stringField(doc, keyOwnerEmail),
		ApplicationID:      stringField(doc, keyAppID),
		ApplicationName:    stringField(doc, keyAppName),
		ApplicationTag:     stringField(doc, keyAppTag),
		ADSelfSupportGroup: stringField(doc, keySelfSupport),
	}

	var err error
	if a.CreatedAtEpoch, err = int64Field(doc[keyCreatedAt]); err != nil {
		return nil, fmt.Errorf("%s: %w", keyCreatedAt, err)
	}
	if a.IsActivated, err = boolField(doc[keyActivated]); err != nil {
		return nil, fmt.Errorf("%s: %w", keyActivated, err)
	}

	if raw, ok := doc[keySecret]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: expected a list", keySecret)
		}
		for i, item := range list {
			entry, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected an object", keySecret, i)
			}
			expiry, err := int64Field(entry[keyExpiryDuration])
			if err != nil {
				return nil, fmt.Errorf("%s[%d].%s: %w", keySecret, i, keyExpiryDuration, err)
			}
			a.Secrets = append(a.Secrets, AccessKey{
				AccessKeyID:     stringField(entry, keyAccessKeyID),
				ExpiryDateEpoch: expiry,
				CreatedDate:     stringField(entry, keyCreatedDate),
				Status:          stringField(entry, keyStatus),
			})
		}
	}

	for _, m := range Mirrors {
		raw, ok := doc[string(m)]
		if !ok || raw == nil {
			continue
		}
		grants, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: expected an object", m)
		}
		out := a.Grants(m)
		for subject, level := range grants {
			out[subject] = fmt.Sprint(level)
		}
	}

	return a, nil
}

// Subjects returns the subjects of a grant map in sorted order.
func (a *Account) Subjects(m Mirror) []string {
	grants := *a.grantsPtr(m)
	out := make([]string, 0, len(grants))
	for s := range grants {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func stringField(doc map[string]interface{}, key string) string {
	switch v := doc[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func int64Field(v interface{}) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		if n == "" {
			return 0, nil
		}
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func boolField(v interface{}) (bool, error) {
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		if b == "" {
			return false, nil
		}
		return strconv.ParseBool(b)
	default:
		return false, fmt.Errorf("unexpected type %T", v)
	}
}
