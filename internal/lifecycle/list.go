package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	ierrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
)

// AccessibleAccount is an account a caller can see, with the level it holds.
// Via is "policy", "admin" or the role that gives indirect access.
type AccessibleAccount struct {
	UniqueName string             `json:"uniqueName"`
	Level      policy.AccessLevel `json:"level"`
	Via        string             `json:"via"`
}

// ListAccessible lists the accounts the caller can see. Admins see every
// onboarded account. Others see the accounts their policies grant, minus
// denied ones, plus accounts reachable through roles they created.
func (s *Service) ListAccessible(ctx context.Context, caller *permissions.Caller) *Result {
	return s.view(ctx, OpListAccessible, caller, "", func(ctx context.Context, _ *journal.Entry) *Result {
		onboarded, err := s.projector.ListOnboarded(ctx)
		if err != nil {
			return failure(ierrors.Dependency(StepReadMetadata, "Failed to list IAM service accounts", err))
		}
		sort.Strings(onboarded)

		if caller.IsAdmin || s.isPlatformAdmin(ctx, caller) {
			out := make([]AccessibleAccount, 0, len(onboarded))
			for _, unique := range onboarded {
				out = append(out, AccessibleAccount{UniqueName: unique, Level: policy.LevelOwner, Via: "admin"})
			}
			return accessible(out)
		}

		highest := map[string]policy.AccessLevel{}
		denied := map[string]bool{}
		for _, p := range caller.AllPolicies() {
			level, unique, ok := policy.LevelOf(p)
			if !ok {
				continue
			}
			if level == policy.LevelDeny {
				denied[unique] = true
				continue
			}
			if level.Rank() > highest[unique].Rank() {
				highest[unique] = level
			}
		}

		out := []AccessibleAccount{}
		for _, unique := range onboarded {
			if denied[unique] {
				continue
			}
			if level, ok := highest[unique]; ok {
				out = append(out, AccessibleAccount{UniqueName: unique, Level: level, Via: "policy"})
				continue
			}
			if via := s.indirectAccess(ctx, caller, unique); via != "" {
				out = append(out, AccessibleAccount{UniqueName: unique, Level: policy.LevelRead, Via: via})
			}
		}
		return accessible(out)
	})
}

// indirectAccess returns the role through which caller sees the account, or "".
func (s *Service) indirectAccess(ctx context.Context, caller *permissions.Caller, unique string) string {
	if s.roleStore == nil {
		return ""
	}
	account, err := s.projector.LoadUnique(ctx, unique)
	if err != nil {
		s.logger.Debug("Skipping %s: %v", unique, err)
		return ""
	}
	if s.createdGrantedRole(ctx, caller, account) {
		return "role"
	}
	return ""
}

// ListOnboarded lists every onboarded account. It needs the admin policy.
func (s *Service) ListOnboarded(ctx context.Context, caller *permissions.Caller) *Result {
	return s.view(ctx, OpListOnboarded, caller, "", func(ctx context.Context, _ *journal.Entry) *Result {
		if !caller.IsAdmin && !s.isPlatformAdmin(ctx, caller) {
			return failure(ierrors.Unauthorized("Access denied: no permission to list onboarded IAM service accounts"))
		}
		names, err := s.projector.ListOnboarded(ctx)
		if err != nil {
			return failure(ierrors.Dependency(StepReadMetadata, "Failed to list onboarded IAM service accounts", err))
		}
		sort.Strings(names)
		res := success(http.StatusOK, fmt.Sprintf("%d onboarded IAM service account(s)", len(names)))
		res.Onboarded = names
		return res
	})
}

func accessible(accounts []AccessibleAccount) *Result {
	res := success(http.StatusOK, fmt.Sprintf("%d accessible IAM service account(s)", len(accounts)))
	res.Accounts = accounts
	return res
}
