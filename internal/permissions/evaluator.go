// Package permissions decides whether a caller may act on an IAM service
// account, from the policies attached to the caller's token.
package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// TokenIntrospector looks up the policies attached to a token.
type TokenIntrospector interface {
	LookupSelf(ctx context.Context, token string) (*vault.TokenInfo, error)
}

// Caller is the identity on whose behalf an operation runs.
type Caller struct {
	Username         string
	IsAdmin          bool
	Token            string
	Policies         []string
	IdentityPolicies []string
}

// AllPolicies returns the direct token policies followed by the identity policies.
func (c *Caller) AllPolicies() []string {
	all := make([]string, 0, len(c.Policies)+len(c.IdentityPolicies))
	all = append(all, c.Policies...)
	return append(all, c.IdentityPolicies...)
}

// ResolveCaller builds a Caller from a token lookup. The caller is a global
// admin when any of its policies is listed in globalAdminPolicies.
func ResolveCaller(ctx context.Context, introspector TokenIntrospector, token string, globalAdminPolicies []string) (*Caller, error) {
	info, err := introspector.LookupSelf(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	caller := &Caller{
		Username:         strings.ToLower(info.Username()),
		Token:            token,
		Policies:         info.Policies,
		IdentityPolicies: info.IdentityPolicies,
	}
	for _, p := range caller.AllPolicies() {
		if containsFold(globalAdminPolicies, p) {
			caller.IsAdmin = true
			break
		}
	}
	return caller, nil
}

// Request is a per-account authorization question.
type Request struct {
	Caller    *Caller
	AccountID string
	UserName  string
	Required  policy.AccessLevel
}

// Result is the outcome of an authorization check.
type Result struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason"`
	Level   policy.AccessLevel `json:"level,omitempty"`
	Denied  bool               `json:"denied,omitempty"`
}

// Evaluator answers authorization questions.
type Evaluator struct {
	introspector TokenIntrospector
	adminPolicy  string
	reserved     []string
	logger       *logging.Logger
}

// NewEvaluator creates an evaluator. adminPolicy is the process-wide policy
// that marks platform administrators; reservedAppRoles are approle names
// only those administrators may attach to an account.
func NewEvaluator(introspector TokenIntrospector, adminPolicy string, reservedAppRoles []string, logger *logging.Logger) *Evaluator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Evaluator{
		introspector: introspector,
		adminPolicy:  adminPolicy,
		reserved:     reservedAppRoles,
		logger:       logger,
	}
}

// Levels returns the highest grant the caller holds on the account and
// whether any of its policies denies the account.
func (e *Evaluator) Levels(caller *Caller, accountID, userName string) (policy.AccessLevel, bool) {
	var highest policy.AccessLevel
	denied := false
	for _, p := range caller.AllPolicies() {
		level, ok := policy.LevelFor(p, accountID, userName)
		if !ok {
			continue
		}
		if level == policy.LevelDeny {
			denied = true
			continue
		}
		if level.Rank() > highest.Rank() {
			highest = level
		}
	}
	return highest, denied
}

// Check decides whether req.Caller holds at least req.Required on the account.
// Deny beats every grant; a global admin bypasses the check.
func (e *Evaluator) Check(req Request) *Result {
	if req.Caller == nil {
		return &Result{Allowed: false, Reason: "no caller"}
	}
	unique := policy.UniqueName(req.AccountID, req.UserName)

	if req.Caller.IsAdmin {
		return &Result{Allowed: true, Reason: "global admin", Level: policy.LevelOwner}
	}

	highest, denied := e.Levels(req.Caller, req.AccountID, req.UserName)
	if denied {
		e.logger.Debug("%s denied on %s by deny policy", req.Caller.Username, unique)
		return &Result{Allowed: false, Denied: true, Level: policy.LevelDeny, Reason: "access to the account is denied"}
	}

	if highest == "" {
		return &Result{Allowed: false, Reason: "no access to the account"}
	}

	if !highest.Satisfies(req.Required) {
		return &Result{
			Allowed: false,
			Level:   highest,
			Reason:  fmt.Sprintf("%s access is required, caller has %s", req.Required, highest),
		}
	}

	return &Result{Allowed: true, Level: highest, Reason: fmt.Sprintf("caller has %s access", highest)}
}

// HasAdminPolicy introspects token and reports whether it carries the
// process-wide admin policy. Lookup failures count as no.
func (e *Evaluator) HasAdminPolicy(ctx context.Context, token string) bool {
	if e.adminPolicy == "" || token == "" || e.introspector == nil {
		return false
	}
	info, err := e.introspector.LookupSelf(ctx, token)
	if err != nil || info == nil {
		e.logger.Warn("Token lookup for admin policy check failed: %v", err)
		return false
	}
	for _, p := range info.Policies {
		if p == e.adminPolicy {
			return true
		}
	}
	for _, p := range info.IdentityPolicies {
		if p == e.adminPolicy {
			return true
		}
	}
	return false
}

// IsReserved reports whether name is a reserved approle.
func (e *Evaluator) IsReserved(name string) bool {
	return containsFold(e.reserved, name)
}

// CheckReserved allows any non-reserved subject. For reserved subjects it
// ignores account grants and requires the admin policy, as reported by
// HasAdminPolicy for the caller's token.
func (e *Evaluator) CheckReserved(subject string, hasAdminPolicy bool) *Result {
	if !e.IsReserved(subject) {
		return &Result{Allowed: true, Reason: "subject is not reserved"}
	}
	if hasAdminPolicy {
		return &Result{Allowed: true, Reason: "caller holds the admin policy"}
	}
	return &Result{Allowed: false, Reason: fmt.Sprintf("%s is a reserved approle", subject)}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
