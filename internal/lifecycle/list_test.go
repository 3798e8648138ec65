package lifecycle

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
)

// seedAccounts onboards the test account plus two more owned by ownerNtid.
func seedAccounts(t *testing.T, h *harness) {
	t.Helper()
	h.onboard(t)
	for _, user := range []string{"builder", "deployer"} {
		req := onboardRequest()
		req.UserName = user
		req.Secrets = []metadata.AccessKey{{AccessKeyID: user + "key1", ExpiryDateEpoch: 7776000000}}
		res := h.svc.Onboard(context.Background(), adminCaller(), req)
		require.True(t, res.OK(), res.Message)
	}
}

func TestListAccessible(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	seedAccounts(t, h)
	h.vault.set("auth/approle/role/ci", map[string]interface{}{"token_policies": []interface{}{}})
	h.vault.set("metadata/approle/ci", map[string]interface{}{"createdBy": "RoleMaker"})
	owner := callerWith(ownerNtid, policy.LevelOwner)
	owner.Policies = append(owner.Policies, policy.NameFor(policy.LevelOwner, testAccount, "deployer"))
	require.True(t, h.svc.Activate(context.Background(), owner, testAccount, "deployer").OK())
	res := h.svc.GrantAppRole(context.Background(), owner, GrantRequest{AccountID: testAccount, UserName: "deployer", Subject: "ci", Access: "read"})
	require.True(t, res.OK(), res.Message)

	unique := policy.UniqueName(testAccount, testUser)
	builder := policy.UniqueName(testAccount, "builder")
	deployer := policy.UniqueName(testAccount, "deployer")

	tests := []struct {
		name   string
		caller *permissions.Caller
		want   []AccessibleAccount
	}{
		{
			name:   "admin policy sees all",
			caller: adminCaller(),
			want: []AccessibleAccount{
				{UniqueName: builder, Level: policy.LevelOwner, Via: "admin"},
				{UniqueName: deployer, Level: policy.LevelOwner, Via: "admin"},
				{UniqueName: unique, Level: policy.LevelOwner, Via: "admin"},
			},
		},
		{
			name: "highest policy level wins",
			caller: &permissions.Caller{Username: "jdoe", Policies: []string{
				policy.NameFor(policy.LevelRead, testAccount, testUser),
				policy.NameFor(policy.LevelWrite, testAccount, testUser),
				policy.NameFor(policy.LevelRead, testAccount, "builder"),
			}},
			want: []AccessibleAccount{
				{UniqueName: builder, Level: policy.LevelRead, Via: "policy"},
				{UniqueName: unique, Level: policy.LevelWrite, Via: "policy"},
			},
		},
		{
			name: "deny hides the account",
			caller: &permissions.Caller{Username: "jdoe", Policies: []string{
				policy.NameFor(policy.LevelOwner, testAccount, testUser),
				policy.NameFor(policy.LevelRead, testAccount, "builder"),
			}, IdentityPolicies: []string{policy.NameFor(policy.LevelDeny, testAccount, testUser)}},
			want: []AccessibleAccount{
				{UniqueName: builder, Level: policy.LevelRead, Via: "policy"},
			},
		},
		{
			name:   "creator of a granted approle",
			caller: &permissions.Caller{Username: "rolemaker"},
			want: []AccessibleAccount{
				{UniqueName: deployer, Level: policy.LevelRead, Via: "role"},
			},
		},
		{
			name:   "nothing granted",
			caller: &permissions.Caller{Username: "stranger"},
			want:   []AccessibleAccount{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.svc.ListAccessible(context.Background(), tt.caller)
			require.True(t, res.OK(), res.Message)
			assert.Equal(t, tt.want, res.Accounts)
		})
	}
}

func TestListOnboarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	res := h.svc.ListOnboarded(context.Background(), adminCaller())
	require.True(t, res.OK(), res.Message)
	assert.Empty(t, res.Onboarded)

	seedAccounts(t, h)
	res = h.svc.ListOnboarded(context.Background(), &permissions.Caller{Username: "root", IsAdmin: true})
	require.True(t, res.OK(), res.Message)
	assert.Equal(t, []string{
		policy.UniqueName(testAccount, "builder"),
		policy.UniqueName(testAccount, "deployer"),
		policy.UniqueName(testAccount, testUser),
	}, res.Onboarded)

	res = h.svc.ListOnboarded(context.Background(), ownerCaller())
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Nil(t, res.Onboarded)
}

func TestViewsAreNotJournaled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.onboard(t)
	before, err := h.journal.AllHistory(0)
	require.NoError(t, err)

	h.svc.ListOnboarded(context.Background(), adminCaller())
	h.svc.ListAccessible(context.Background(), ownerCaller())
	h.svc.ListAccessKeys(context.Background(), ownerCaller(), testAccount, testUser)

	after, err := h.journal.AllHistory(0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}
