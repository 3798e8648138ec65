package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
)

func TestActivate_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.onboard(t)

	res := h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
	require.Equal(t, StatusSuccess, res.Status, res.Message)

	account := h.account(t)
	assert.True(t, account.IsActivated)
	require.Len(t, account.Secrets, 1)
	assert.Equal(t, "AKIANEW1", account.Secrets[0].AccessKeyID)
	assert.Equal(t, "Active", account.Secrets[0].Status)
	assert.Equal(t, 1, h.keys.callCount("rotate"))

	assert.False(t, h.vault.has(metadata.KeyPath(testAccount, testUser, "testaccesskey555")))
	secret := h.vault.doc(t, metadata.KeyPath(testAccount, testUser, "AKIANEW1"))
	assert.Equal(t, "secret-AKIANEW1", secret["accessKeySecret"])
	assert.Equal(t, testAccount, secret["awsAccountId"])

	assert.Equal(t, []string{notifications.TemplateOnboarded, notifications.TemplateActivated}, h.notifier.templates())
}

func TestActivate_AlreadyActivated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)

	res := h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Message, "already activated")
	assert.Equal(t, 1, h.keys.callCount("rotate"), "no further rotation")
}

func TestActivate_Authorization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		caller func() *permissions.Caller
		code   int
	}{
		{"reader", func() *permissions.Caller { return callerWith("reader", policy.LevelRead) }, http.StatusForbidden},
		{"owner with deny", func() *permissions.Caller { return callerWith(ownerNtid, policy.LevelOwner, policy.LevelDeny) }, http.StatusForbidden},
		{"stranger", func() *permissions.Caller { return callerWith("stranger") }, http.StatusForbidden},
		{"writer", func() *permissions.Caller { return callerWith("writer", policy.LevelWrite) }, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.onboard(t)
			res := h.svc.Activate(context.Background(), tt.caller(), testAccount, testUser)
			assert.Equal(t, tt.code, res.Code, res.Message)
		})
	}
}

func TestActivate_NotOnboarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
	assert.Equal(t, http.StatusNotFound, res.Code)

	// Without a grant a missing account looks like any other forbidden one.
	stranger := callerWith("stranger")
	res = h.svc.Activate(context.Background(), stranger, testAccount, testUser)
	assert.Equal(t, http.StatusForbidden, res.Code)
	h.onboard(t)
	res = h.svc.Activate(context.Background(), stranger, testAccount, testUser)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestActivate_RotationFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := onboardRequest()
	req.Secrets = append(req.Secrets, metadata.AccessKey{AccessKeyID: "testaccesskey777", ExpiryDateEpoch: 7776000000})
	res := h.svc.Onboard(context.Background(), adminCaller(), req)
	require.True(t, res.OK(), res.Message)

	h.keys.RotateFunc = func(accountID, userName, oldKeyID string) (*awsiam.AccessKey, error) {
		if oldKeyID == "testaccesskey777" {
			return nil, errors.New("AWS IAM error: throttled")
		}
		h.keys.mu.Lock()
		defer h.keys.mu.Unlock()
		return h.keys.mint(accountID, userName), nil
	}

	res = h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, StepRotateKeys, res.FailedStep)
	assert.Contains(t, res.Message, "Failed to rotate secrets")

	account := h.account(t)
	assert.False(t, account.IsActivated)
	assert.Equal(t, []string{notifications.TemplateOnboarded}, h.notifier.templates())
}

func TestActivate_PartialResults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fail    func(path string, data map[string]interface{}) bool
		step    string
		message string
		active  bool
	}{
		{
			name: "owner grant",
			fail: func(path string, _ map[string]interface{}) bool {
				return path == "auth/ldap/users/"+ownerNtid
			},
			step:    StepOwnerGrant,
			message: "secrets rotated but owner permission update failed",
		},
		{
			name: "activation flag",
			fail: func(path string, data map[string]interface{}) bool {
				return path == metadataPath() && data["isActivated"] == true
			},
			step:    StepSetActivated,
			message: "failed to update activation status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.onboard(t)
			h.vault.WriteFunc = func(path string, data map[string]interface{}) error {
				if tt.fail(path, data) {
					return errors.New("status 500")
				}
				return nil
			}

			res := h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
			assert.Equal(t, StatusPartialSuccess, res.Status)
			assert.Equal(t, http.StatusMultiStatus, res.Code)
			assert.Equal(t, tt.step, res.FailedStep)
			assert.Contains(t, res.Message, tt.message)

			account := h.account(t)
			assert.False(t, account.IsActivated)
			assert.True(t, strings.HasPrefix(account.Secrets[0].AccessKeyID, "AKIANEW"), "keys are live")
		})
	}
}
