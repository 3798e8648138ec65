// Package policy encodes access levels on IAM service accounts into Vault
// policy names and manages the per-account policy set.
//
// A policy name is <prefix>iamsvcacc_<accountId>_<userName> where the prefix
// carries the level: r_ read, w_ write, d_ deny, o_ owner. Rotate shares the
// write policy and sudo shares the owner policy.
package policy

import (
	"fmt"
	"strings"
)

// Namespace is the path segment and policy infix for IAM service accounts.
const Namespace = "iamsvcacc"

// AccessLevel is a level of access a principal may hold on an account.
type AccessLevel string

const (
	LevelRead   AccessLevel = "read"
	LevelWrite  AccessLevel = "write"
	LevelDeny   AccessLevel = "deny"
	LevelRotate AccessLevel = "rotate"
	LevelOwner  AccessLevel = "owner"
	LevelSudo   AccessLevel = "sudo"
)

var prefixes = map[AccessLevel]string{
	LevelRead:   "r_",
	LevelWrite:  "w_",
	LevelRotate: "w_",
	LevelDeny:   "d_",
	LevelOwner:  "o_",
	LevelSudo:   "o_",
}

var levelsByPrefix = map[string]AccessLevel{
	"r_": LevelRead,
	"w_": LevelWrite,
	"d_": LevelDeny,
	"o_": LevelOwner,
}

// ParseAccessLevel parses a case-insensitive access level.
func ParseAccessLevel(s string) (AccessLevel, error) {
	level := AccessLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := prefixes[level]; !ok {
		return "", fmt.Errorf("invalid access level %q", s)
	}
	return level, nil
}

// Canonical folds the alias levels onto the policy they share.
func (l AccessLevel) Canonical() AccessLevel {
	switch l {
	case LevelRotate:
		return LevelWrite
	case LevelSudo:
		return LevelOwner
	default:
		return l
	}
}

// Rank orders grant levels. Deny has no rank; it is handled separately.
func (l AccessLevel) Rank() int {
	switch l.Canonical() {
	case LevelRead:
		return 1
	case LevelWrite:
		return 2
	case LevelOwner:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether holding l is enough for an operation requiring required.
func (l AccessLevel) Satisfies(required AccessLevel) bool {
	if l == LevelDeny || required == LevelDeny {
		return false
	}
	return l.Rank() > 0 && l.Rank() >= required.Rank()
}

func (l AccessLevel) String() string {
	return string(l)
}

// UniqueName identifies an account across the platform.
func UniqueName(accountID, userName string) string {
	return accountID + "_" + userName
}

// NameFor returns the policy name granting level on the account.
func NameFor(level AccessLevel, accountID, userName string) string {
	return prefixes[level] + Namespace + "_" + UniqueName(accountID, userName)
}

// LevelOf classifies a policy name. It returns the canonical level and the
// account unique name the policy belongs to.
func LevelOf(policyName string) (AccessLevel, string, bool) {
	if len(policyName) < 3 {
		return "", "", false
	}
	level, ok := levelsByPrefix[policyName[:2]]
	if !ok {
		return "", "", false
	}
	rest := policyName[2:]
	if !strings.HasPrefix(rest, Namespace+"_") {
		return "", "", false
	}
	unique := strings.TrimPrefix(rest, Namespace+"_")
	if unique == "" {
		return "", "", false
	}
	return level, unique, true
}

// LevelFor classifies a policy name for a specific account.
func LevelFor(policyName, accountID, userName string) (AccessLevel, bool) {
	level, unique, ok := LevelOf(policyName)
	if !ok || unique != UniqueName(accountID, userName) {
		return "", false
	}
	return level, true
}

// Names returns the full policy set of an account in r, w, d, o order.
func Names(accountID, userName string) []string {
	return []string{
		NameFor(LevelRead, accountID, userName),
		NameFor(LevelWrite, accountID, userName),
		NameFor(LevelDeny, accountID, userName),
		NameFor(LevelOwner, accountID, userName),
	}
}
