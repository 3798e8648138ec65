package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/policy"
)

func transferRequest() TransferRequest {
	return TransferRequest{
		AccountID:       testAccount,
		UserName:        testUser,
		OwnerNtid:       "newowner",
		OwnerEmail:      "newowner@testmail.com",
		ApplicationName: "tvt2",
	}
}

func TestTransferOwner_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		ntid  string
		email string
		want  string
	}{
		{"email without ntid", "", "newowner@testmail.com", "Owner_ntid is required when owner_email is given."},
		{"ntid without email", "newowner", "", "Owner_email is required when owner_ntid is given."},
		{"bad ntid", "new owner", "newowner@testmail.com", "Invalid value specified for owner_ntid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			req := transferRequest()
			req.OwnerNtid, req.OwnerEmail = tt.ntid, tt.email

			res := h.svc.TransferOwner(context.Background(), ownerCaller(), req)
			assert.Equal(t, http.StatusBadRequest, res.Code)
			assert.Equal(t, tt.want, res.Message)
		})
	}
}

func TestTransferOwner_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)

	res := h.svc.TransferOwner(context.Background(), ownerCaller(), transferRequest())
	require.Equal(t, StatusSuccess, res.Status, res.Message)

	owner := policyName(policy.LevelOwner)
	assert.NotContains(t, h.vault.ldapPolicies(identity.KindUser, ownerNtid), owner)
	assert.Equal(t, []string{owner}, h.vault.ldapPolicies(identity.KindUser, "newowner"))

	account := h.account(t)
	assert.Equal(t, "newowner", account.OwnerNtid)
	assert.Equal(t, "newowner@testmail.com", account.OwnerEmail)
	assert.Equal(t, "tvt2", account.ApplicationName)
	assert.Equal(t, "tvt", account.ApplicationID, "empty fields keep their value")
	assert.Equal(t, map[string]string{"newowner": "sudo"}, account.Users)

	templates := h.notifier.templates()
	assert.Equal(t, notifications.TemplateTransferred, templates[len(templates)-1])
	last := h.notifier.sent[len(h.notifier.sent)-1]
	assert.Equal(t, []string{"newowner@testmail.com"}, last.To)
	assert.Equal(t, ownerNtid, last.Data["previousOwner"])
}

func TestTransferOwner_DetailsOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)
	before := h.vault.ldapPolicies(identity.KindUser, ownerNtid)

	res := h.svc.TransferOwner(context.Background(), adminCaller(), TransferRequest{
		AccountID:          testAccount,
		UserName:           testUser,
		ApplicationName:    "newapp",
		ADSelfSupportGroup: "iam-support",
	})
	require.Equal(t, StatusSuccess, res.Status, res.Message)
	assert.Equal(t, http.StatusOK, res.Code)

	account := h.account(t)
	assert.Equal(t, ownerNtid, account.OwnerNtid)
	assert.Equal(t, ownerEmail, account.OwnerEmail)
	assert.Equal(t, "newapp", account.ApplicationName)
	assert.Equal(t, "iam-support", account.ADSelfSupportGroup)
	assert.Equal(t, before, h.vault.ldapPolicies(identity.KindUser, ownerNtid))
}

func TestTransferOwner_AdminPolicyWithoutGrant(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)

	res := h.svc.TransferOwner(context.Background(), adminCaller(), transferRequest())
	assert.True(t, res.OK(), res.Message)

	res = h.svc.TransferOwner(context.Background(), callerWith("writer", policy.LevelWrite), transferRequest())
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestTransferOwner_Conflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.svc.TransferOwner(context.Background(), ownerCaller(), transferRequest())
	assert.Equal(t, http.StatusNotFound, res.Code)

	h.activate(t)
	req := transferRequest()
	req.OwnerNtid = "NormalUser"
	res = h.svc.TransferOwner(context.Background(), ownerCaller(), req)
	assert.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Message, "already the owner")
}

func TestTransferOwner_RevokeFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)
	h.vault.WriteFunc = func(path string, _ map[string]interface{}) error {
		if path == "auth/ldap/users/"+ownerNtid {
			return errors.New("status 500")
		}
		return nil
	}

	res := h.svc.TransferOwner(context.Background(), ownerCaller(), transferRequest())
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, StepRevokeOldOwner, res.FailedStep)
	assert.Nil(t, h.vault.ldapPolicies(identity.KindUser, "newowner"))
	assert.Equal(t, ownerNtid, h.account(t).OwnerNtid)
}

func TestTransferOwner_GrantFailureRestoresOldOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)
	h.vault.WriteFunc = func(path string, _ map[string]interface{}) error {
		if path == "auth/ldap/users/newowner" {
			return errors.New("status 500")
		}
		return nil
	}

	res := h.svc.TransferOwner(context.Background(), ownerCaller(), transferRequest())
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, StepGrantNewOwner, res.FailedStep)
	assert.Contains(t, res.Message, "new owner")
	assert.Contains(t, h.vault.ldapPolicies(identity.KindUser, ownerNtid), policyName(policy.LevelOwner))
	assert.Equal(t, ownerNtid, h.account(t).OwnerNtid)
}

func TestTransferOwner_MetadataFailureIsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.activate(t)
	h.vault.WriteFunc = func(path string, data map[string]interface{}) error {
		if path == metadataPath() && data["owner_ntid"] == "newowner" {
			return errors.New("status 500")
		}
		return nil
	}

	res := h.svc.TransferOwner(context.Background(), ownerCaller(), transferRequest())
	assert.Equal(t, StatusPartialSuccess, res.Status)
	assert.Equal(t, http.StatusMultiStatus, res.Code)
	assert.Equal(t, StepUpdateOwner, res.FailedStep)
	assert.Equal(t, []string{policyName(policy.LevelOwner)}, h.vault.ldapPolicies(identity.KindUser, "newowner"))
	assert.Equal(t, ownerNtid, h.account(t).OwnerNtid, "metadata drift is left for the operator")
}
