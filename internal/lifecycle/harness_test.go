package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
	"github.com/systmms/iamsvc/internal/providers/vault"
	"github.com/systmms/iamsvc/internal/rollback"
	"github.com/systmms/iamsvc/internal/secure"
)

const (
	testAccount = "1234567"
	testUser    = "testaccount"
	adminPolicy = "iamportal_admin_policy"
	ownerNtid   = "normaluser"
	ownerEmail  = "normaluser@testmail.com"
	adminToken  = "admin-token"
)

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

// fakeVault is an in-memory secret store, policy store and token
// introspector. The Func hooks inject failures.
type fakeVault struct {
	mu       sync.Mutex
	data     map[string]map[string]interface{}
	policies map[string]string
	tokens   map[string]*vault.TokenInfo
	lookups  int

	WriteFunc     func(path string, data map[string]interface{}) error
	DeleteFunc    func(path string) error
	PutPolicyFunc func(name string) error
	DelPolicyFunc func(name string) error
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		data:     map[string]map[string]interface{}{},
		policies: map[string]string{},
		tokens:   map[string]*vault.TokenInfo{},
	}
}

func statusErr(method, path string, code int) error {
	return &vault.StatusError{Method: method, Path: path, StatusCode: code}
}

func (v *fakeVault) Read(_ context.Context, path string) (*vault.Secret, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	doc, ok := v.data[path]
	if !ok {
		return nil, statusErr("GET", path, http.StatusNotFound)
	}
	return &vault.Secret{Data: doc}, nil
}

func (v *fakeVault) Write(_ context.Context, path string, data map[string]interface{}) error {
	if v.WriteFunc != nil {
		if err := v.WriteFunc(path, data); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[path] = data
	return nil
}

func (v *fakeVault) Delete(_ context.Context, path string) error {
	if v.DeleteFunc != nil {
		if err := v.DeleteFunc(path); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.data, path)
	return nil
}

func (v *fakeVault) List(_ context.Context, path string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	seen := map[string]bool{}
	prefix := path + "/"
	for p := range v.data {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		child := strings.TrimPrefix(p, prefix)
		if i := strings.Index(child, "/"); i >= 0 {
			child = child[:i+1]
		}
		seen[child] = true
	}
	if len(seen) == 0 {
		return nil, statusErr("LIST", path, http.StatusNotFound)
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (v *fakeVault) PutPolicy(_ context.Context, name, rules string) error {
	if v.PutPolicyFunc != nil {
		if err := v.PutPolicyFunc(name); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.policies[name] = rules
	return nil
}

func (v *fakeVault) DeletePolicy(_ context.Context, name string) error {
	if v.DelPolicyFunc != nil {
		if err := v.DelPolicyFunc(name); err != nil {
			return err
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.policies, name)
	return nil
}

func (v *fakeVault) LookupSelf(_ context.Context, token string) (*vault.TokenInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lookups++
	info, ok := v.tokens[token]
	if !ok {
		return nil, statusErr("GET", "auth/token/lookup-self", http.StatusForbidden)
	}
	return info, nil
}

func (v *fakeVault) lookupCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookups
}

func (v *fakeVault) has(path string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.data[path]
	return ok
}

func (v *fakeVault) doc(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	doc, ok := v.data[path]
	require.True(t, ok, "no document at %s", path)
	return doc
}

func (v *fakeVault) set(path string, doc map[string]interface{}) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[path] = doc
}

func (v *fakeVault) policyNames() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := []string{}
	for name := range v.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// withPrefix lists stored paths under prefix.
func (v *fakeVault) withPrefix(prefix string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := []string{}
	for p := range v.data {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// ldapPolicies returns the policies of an LDAP user or group.
func (v *fakeVault) ldapPolicies(kind identity.Kind, name string) []string {
	path := "auth/ldap/users/" + name
	if kind == identity.KindGroup {
		path = "auth/ldap/groups/" + name
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	doc, ok := v.data[path]
	if !ok {
		return nil
	}
	return splitPolicies(doc["policies"])
}

func splitPolicies(v interface{}) []string {
	out := []string{}
	switch p := v.(type) {
	case string:
		for _, s := range strings.Split(p, ",") {
			if s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, p...)
	case []interface{}:
		for _, s := range p {
			out = append(out, fmt.Sprint(s))
		}
	}
	return out
}

// fakeKeys tracks live access keys per IAM user.
type fakeKeys struct {
	mu    sync.Mutex
	next  int
	live  map[string][]string
	calls []string

	CreateFunc func(accountID, userName string) (*awsiam.AccessKey, error)
	RotateFunc func(accountID, userName, oldKeyID string) (*awsiam.AccessKey, error)
	DeleteFunc func(accountID, userName, keyID string) error
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{live: map[string][]string{}}
}

func (f *fakeKeys) mint(accountID, userName string) *awsiam.AccessKey {
	f.next++
	id := fmt.Sprintf("AKIANEW%d", f.next)
	unique := policy.UniqueName(accountID, userName)
	f.live[unique] = append(f.live[unique], id)
	secret, err := secure.NewSecret("secret-" + id)
	if err != nil {
		panic(err)
	}
	return &awsiam.AccessKey{
		AccessKeyID:     id,
		Secret:          secret,
		AccountID:       accountID,
		UserName:        userName,
		Status:          "Active",
		CreatedAt:       fixedNow,
		ExpiryDateEpoch: fixedNow.Add(90 * 24 * time.Hour).UnixMilli(),
	}
}

func (f *fakeKeys) drop(unique, keyID string) bool {
	for i, k := range f.live[unique] {
		if k == keyID {
			f.live[unique] = append(f.live[unique][:i], f.live[unique][i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeKeys) CreateAccessKeys(_ context.Context, accountID, userName string) (*awsiam.AccessKey, error) {
	f.record("create")
	if f.CreateFunc != nil {
		return f.CreateFunc(accountID, userName)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.live[policy.UniqueName(accountID, userName)]) >= awsiam.MaxAccessKeys {
		return nil, fmt.Errorf("%s: %w", userName, awsiam.ErrQuotaExceeded)
	}
	return f.mint(accountID, userName), nil
}

func (f *fakeKeys) RotateSecret(_ context.Context, accountID, userName, oldKeyID string) (*awsiam.AccessKey, error) {
	f.record("rotate")
	if f.RotateFunc != nil {
		return f.RotateFunc(accountID, userName, oldKeyID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop(policy.UniqueName(accountID, userName), oldKeyID)
	return f.mint(accountID, userName), nil
}

func (f *fakeKeys) DeleteAccessKey(_ context.Context, accountID, userName, keyID string) error {
	f.record("delete")
	if f.DeleteFunc != nil {
		return f.DeleteFunc(accountID, userName, keyID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.drop(policy.UniqueName(accountID, userName), keyID) {
		return fmt.Errorf("%s: %w", keyID, awsiam.ErrNoSuchEntity)
	}
	return nil
}

func (f *fakeKeys) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeKeys) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

type sentEmail struct {
	Account  string
	To       []string
	Subject  string
	Template string
	Data     map[string]string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEmail
}

func (n *fakeNotifier) SendTemplatedEmail(_ context.Context, account string, to []string, subject, template string, data map[string]string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentEmail{Account: account, To: to, Subject: subject, Template: template, Data: data})
	return fmt.Sprintf("notification-%d", len(n.sent))
}

func (n *fakeNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{}
	for _, s := range n.sent {
		out = append(out, s.Template)
	}
	return out
}

type harness struct {
	vault    *fakeVault
	keys     *fakeKeys
	notifier *fakeNotifier
	journal  *journal.FileStorage
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	return newHarnessMode(t, identity.ModeLDAP)
}

func newHarnessMode(t *testing.T, mode string) *harness {
	t.Helper()

	v := newFakeVault()
	v.tokens[adminToken] = &vault.TokenInfo{DisplayName: "ldap-admin", Policies: []string{"default", adminPolicy}}

	directory, err := identity.NewDirectory(mode, v, nil)
	require.NoError(t, err)

	h := &harness{
		vault:    v,
		keys:     newFakeKeys(),
		notifier: &fakeNotifier{},
		journal:  journal.NewFileStorage(t.TempDir(), nil),
	}
	svc, err := NewService(Dependencies{
		Projector:  metadata.NewProjector(v, nil),
		Policies:   policy.NewAdmin(v, nil),
		Principals: identity.NewRouter(directory, identity.NewAppRoles(v, nil), identity.NewAwsRoles(v, nil)),
		RoleStore:  v,
		Keys:       h.keys,
		Evaluator:  permissions.NewEvaluator(v, adminPolicy, []string{"selfservicesupportrole"}, nil),
		Notifier:   h.notifier,
		Rollback:   rollback.NewManager(rollback.Config{Timeout: time.Second, MaxRetries: 1}, nil),
		Journal:    h.journal,
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return fixedNow }
	h.svc = svc
	return h
}

func adminCaller() *permissions.Caller {
	return &permissions.Caller{Username: "admin", Token: adminToken}
}

// callerWith returns a caller holding levels on the test account.
func callerWith(name string, levels ...policy.AccessLevel) *permissions.Caller {
	caller := &permissions.Caller{Username: name}
	for _, level := range levels {
		caller.Policies = append(caller.Policies, policy.NameFor(level, testAccount, testUser))
	}
	return caller
}

func ownerCaller() *permissions.Caller {
	return callerWith(ownerNtid, policy.LevelOwner)
}

func onboardRequest() OnboardRequest {
	return OnboardRequest{
		AccountID:       testAccount,
		UserName:        testUser,
		AccountName:     "testaccountname",
		OwnerNtid:       ownerNtid,
		OwnerEmail:      ownerEmail,
		ApplicationID:   "tvt",
		ApplicationName: "tvt",
		ApplicationTag:  "TVT",
		Secrets:         []metadata.AccessKey{{AccessKeyID: "testaccesskey555", ExpiryDateEpoch: 7776000000}},
	}
}

func (h *harness) onboard(t *testing.T) {
	t.Helper()
	res := h.svc.Onboard(context.Background(), adminCaller(), onboardRequest())
	require.True(t, res.OK(), "onboard: %s: %v", res.Message, res.Err)
}

func (h *harness) activate(t *testing.T) {
	t.Helper()
	h.onboard(t)
	res := h.svc.Activate(context.Background(), ownerCaller(), testAccount, testUser)
	require.True(t, res.OK(), "activate: %s: %v", res.Message, res.Err)
}

func (h *harness) account(t *testing.T) *metadata.Account {
	t.Helper()
	account, err := h.svc.projector.Load(context.Background(), testAccount, testUser)
	require.NoError(t, err)
	return account
}

func metadataPath() string {
	return metadata.Path(testAccount, testUser)
}

func policyName(level policy.AccessLevel) string {
	return policy.NameFor(level, testAccount, testUser)
}
