package identity_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// MockStore serves reads from Data and records writes.
type MockStore struct {
	mu        sync.Mutex
	Data      map[string]map[string]interface{}
	Writes    []write
	Reads     map[string]int
	WriteFunc func(path string, data map[string]interface{}) error
}

type write struct {
	Path string
	Data map[string]interface{}
}

func newMockStore(data map[string]map[string]interface{}) *MockStore {
	if data == nil {
		data = map[string]map[string]interface{}{}
	}
	return &MockStore{Data: data, Reads: map[string]int{}}
}

func (m *MockStore) Read(_ context.Context, path string) (*vault.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads[path]++
	doc, ok := m.Data[path]
	if !ok {
		return nil, &vault.StatusError{Method: "GET", Path: path, StatusCode: http.StatusNotFound}
	}
	return &vault.Secret{Data: doc}, nil
}

func (m *MockStore) Write(_ context.Context, path string, data map[string]interface{}) error {
	if m.WriteFunc != nil {
		if err := m.WriteFunc(path, data); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes = append(m.Writes, write{Path: path, Data: data})
	return nil
}

func (m *MockStore) lastWrite(t *testing.T) write {
	t.Helper()
	require.NotEmpty(t, m.Writes)
	return m.Writes[len(m.Writes)-1]
}

func TestNewDirectoryModes(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"ldap", "LDAP", "oidc", "userpass"} {
		d, err := identity.NewDirectory(mode, newMockStore(nil), nil)
		require.NoError(t, err, mode)
		assert.NotNil(t, d)
	}

	_, err := identity.NewDirectory("kerberos", newMockStore(nil), nil)
	assert.Error(t, err)
}

func TestLDAPGrantKeepsOtherPolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(map[string]map[string]interface{}{
		"auth/ldap/users/jdoe": {
			"policies": []interface{}{"default", "r_iamsvcacc_1234567_testaccount", "r_shared_team"},
			"groups":   "devops",
		},
	})
	dir, err := identity.NewDirectory(identity.ModeLDAP, store, nil)
	require.NoError(t, err)

	principal, err := identity.Grant(ctx, dir, identity.KindUser, "jdoe",
		"w_iamsvcacc_1234567_testaccount", "r_iamsvcacc_1234567_testaccount")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "r_shared_team", "w_iamsvcacc_1234567_testaccount"}, principal.Policies)

	w := store.lastWrite(t)
	assert.Equal(t, "auth/ldap/users/jdoe", w.Path)
	assert.Equal(t, "default,r_shared_team,w_iamsvcacc_1234567_testaccount", w.Data["policies"])
	assert.Equal(t, "devops", w.Data["groups"])
}

func TestLDAPMissingGroupIsCreatedOnGrant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(nil)
	dir, err := identity.NewDirectory(identity.ModeLDAP, store, nil)
	require.NoError(t, err)

	_, err = identity.Grant(ctx, dir, identity.KindGroup, "devops", "r_iamsvcacc_1_a")
	require.NoError(t, err)
	assert.Equal(t, "auth/ldap/groups/devops", store.lastWrite(t).Path)
	assert.Equal(t, "r_iamsvcacc_1_a", store.lastWrite(t).Data["policies"])
}

func TestRevokeNeverCreatesPrincipals(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{identity.ModeLDAP, identity.ModeOIDC} {
		mode := mode
		t.Run(mode, func(t *testing.T) {
			t.Parallel()

			store := newMockStore(map[string]map[string]interface{}{
				"sys/auth": {"oidc/": map[string]interface{}{"accessor": "auth_oidc_1234"}},
			})
			dir, err := identity.NewDirectory(mode, store, nil)
			require.NoError(t, err)

			for _, kind := range []identity.Kind{identity.KindUser, identity.KindGroup} {
				_, err = identity.Revoke(context.Background(), dir, kind, "ghost", "o_iamsvcacc_1_a")
				assert.ErrorIs(t, err, identity.ErrNotFound, kind)
			}
			assert.Empty(t, store.Writes)
			_, ok := store.Data["identity/entity/name/ghost"]
			assert.False(t, ok)
		})
	}
}

func TestUserpassRejectsGroups(t *testing.T) {
	t.Parallel()

	dir, err := identity.NewDirectory(identity.ModeUserpass, newMockStore(nil), nil)
	require.NoError(t, err)

	_, err = identity.Grant(context.Background(), dir, identity.KindGroup, "devops", "r_iamsvcacc_1_a")
	require.Error(t, err)
	assert.ErrorIs(t, err, identity.ErrNotSupported)
	assert.Contains(t, err.Error(), "not supported")
}

func TestUserpassRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(map[string]map[string]interface{}{
		"auth/userpass/users/jdoe": {"token_policies": []interface{}{"default", "o_iamsvcacc_1_a"}},
	})
	dir, err := identity.NewDirectory(identity.ModeUserpass, store, nil)
	require.NoError(t, err)

	_, err = identity.Revoke(ctx, dir, identity.KindUser, "jdoe", "o_iamsvcacc_1_a")
	require.NoError(t, err)
	w := store.lastWrite(t)
	assert.Equal(t, "auth/userpass/users/jdoe/policies", w.Path)
	assert.Equal(t, []string{"default"}, w.Data["token_policies"])

	_, err = identity.Revoke(ctx, dir, identity.KindUser, "ghost", "o_iamsvcacc_1_a")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestOIDCCreatesMissingEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(map[string]map[string]interface{}{
		"sys/auth": {"oidc/": map[string]interface{}{"accessor": "auth_oidc_1234"}},
	})
	// Vault assigns the entity id on create.
	store.WriteFunc = func(path string, data map[string]interface{}) error {
		if path == "identity/entity/name/jdoe" {
			store.mu.Lock()
			store.Data[path] = map[string]interface{}{"id": "ent-1", "policies": data["policies"]}
			store.mu.Unlock()
		}
		return nil
	}

	dir, err := identity.NewDirectory(identity.ModeOIDC, store, nil)
	require.NoError(t, err)

	_, err = identity.Grant(ctx, dir, identity.KindUser, "jdoe", "r_iamsvcacc_1_a")
	require.NoError(t, err)

	var alias *write
	for i := range store.Writes {
		if store.Writes[i].Path == "identity/entity-alias" {
			alias = &store.Writes[i]
		}
	}
	require.NotNil(t, alias)
	assert.Equal(t, "ent-1", alias.Data["canonical_id"])
	assert.Equal(t, "auth_oidc_1234", alias.Data["mount_accessor"])
	assert.Equal(t, []string{"r_iamsvcacc_1_a"}, store.lastWrite(t).Data["policies"])

	// The mount accessor is cached across entity creations.
	_, err = identity.Grant(ctx, dir, identity.KindUser, "asmith", "r_iamsvcacc_1_a")
	require.Error(t, err) // no entity id assigned for asmith
	assert.Equal(t, 1, store.Reads["sys/auth"])
}

func TestOIDCGroupMustExist(t *testing.T) {
	t.Parallel()

	store := newMockStore(map[string]map[string]interface{}{
		"identity/group/name/devops": {"id": "grp-1", "type": "external", "policies": []interface{}{"default"}},
	})
	dir, err := identity.NewDirectory(identity.ModeOIDC, store, nil)
	require.NoError(t, err)

	_, err = identity.Grant(context.Background(), dir, identity.KindGroup, "devops", "d_iamsvcacc_1_a")
	require.NoError(t, err)
	w := store.lastWrite(t)
	assert.Equal(t, "external", w.Data["type"])
	assert.Equal(t, []string{"default", "d_iamsvcacc_1_a"}, w.Data["policies"])

	_, err = identity.Grant(context.Background(), dir, identity.KindGroup, "ghosts", "d_iamsvcacc_1_a")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestAppRoleNotFound(t *testing.T) {
	t.Parallel()

	roles := identity.NewAppRoles(newMockStore(nil), nil)
	_, err := identity.Revoke(context.Background(), roles, identity.KindAppRole, "missing", "r_iamsvcacc_1_a")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestAwsRoleDispatchesOnAuthType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(map[string]map[string]interface{}{
		"auth/aws/role/iam-role": {
			"auth_type":               "iam",
			"bound_iam_principal_arn": []interface{}{"arn:aws:iam::1234567:role/app"},
			"bound_ami_id":            []interface{}{"ami-should-not-be-sent"},
			"policies":                []interface{}{"w_iamsvcacc_1_a"},
		},
		"auth/aws/role/ec2-role": {
			"auth_type":        "ec2",
			"bound_ami_id":     []interface{}{"ami-123"},
			"bound_account_id": []interface{}{"1234567"},
			"token_policies":   []interface{}{"w_iamsvcacc_1_a"},
		},
	})
	roles := identity.NewAwsRoles(store, nil)

	_, err := identity.Revoke(ctx, roles, identity.KindAwsRole, "iam-role", "w_iamsvcacc_1_a")
	require.NoError(t, err)
	iamWrite := store.lastWrite(t)
	assert.Equal(t, "iam", iamWrite.Data["auth_type"])
	assert.Contains(t, iamWrite.Data, "bound_iam_principal_arn")
	assert.NotContains(t, iamWrite.Data, "bound_ami_id")
	assert.Equal(t, []string{}, iamWrite.Data["policies"])

	_, err = identity.Grant(ctx, roles, identity.KindAwsRole, "ec2-role", "r_iamsvcacc_1_a", "w_iamsvcacc_1_a")
	require.NoError(t, err)
	ec2Write := store.lastWrite(t)
	assert.Equal(t, "ec2", ec2Write.Data["auth_type"])
	assert.Contains(t, ec2Write.Data, "bound_ami_id")
	assert.Contains(t, ec2Write.Data, "bound_account_id")
	assert.Equal(t, []string{"r_iamsvcacc_1_a"}, ec2Write.Data["policies"])
}

func TestRouter(t *testing.T) {
	t.Parallel()

	store := newMockStore(map[string]map[string]interface{}{
		"auth/approle/role/deployer": {"token_policies": []interface{}{"default"}},
	})
	dir, err := identity.NewDirectory(identity.ModeLDAP, store, nil)
	require.NoError(t, err)
	router := identity.NewRouter(dir, identity.NewAppRoles(store, nil), nil)

	_, err = identity.Grant(context.Background(), router, identity.KindAppRole, "deployer", "r_iamsvcacc_1_a")
	require.NoError(t, err)
	assert.Equal(t, "auth/approle/role/deployer", store.lastWrite(t).Path)

	_, err = router.ReadPrincipal(context.Background(), identity.KindAwsRole, "x")
	assert.ErrorIs(t, err, identity.ErrNotSupported)

	// Missing directory users are created on grant; approles are not.
	_, err = identity.Grant(context.Background(), router, identity.KindUser, "jdoe", "r_iamsvcacc_1_a")
	require.NoError(t, err)
	assert.Equal(t, "auth/ldap/users/jdoe", store.lastWrite(t).Path)

	_, err = identity.Grant(context.Background(), router, identity.KindAppRole, "ghost", "r_iamsvcacc_1_a")
	assert.ErrorIs(t, err, identity.ErrNotFound)
}

func TestGrantPropagatesWriteFailure(t *testing.T) {
	t.Parallel()

	store := newMockStore(nil)
	store.WriteFunc = func(string, map[string]interface{}) error { return errors.New("status 500") }
	dir, err := identity.NewDirectory(identity.ModeLDAP, store, nil)
	require.NoError(t, err)

	_, err = identity.Grant(context.Background(), dir, identity.KindUser, "jdoe", "r_iamsvcacc_1_a")
	assert.EqualError(t, err, "status 500")
}

func TestRoleCreator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newMockStore(map[string]map[string]interface{}{
		"metadata/approle/deployer": {"createdBy": "JDoe"},
	})

	creator, err := identity.RoleCreator(ctx, store, identity.KindAppRole, "deployer")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", creator)

	creator, err = identity.RoleCreator(ctx, store, identity.KindAwsRole, "unknown")
	require.NoError(t, err)
	assert.Empty(t, creator)

	_, err = identity.RoleCreator(ctx, store, identity.KindUser, "jdoe")
	assert.ErrorIs(t, err, identity.ErrNotSupported)
}
