package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/systmms/iamsvc/internal/lifecycle"
	"github.com/systmms/iamsvc/internal/permissions"
)

type grantFunc func(ctx context.Context, caller *permissions.Caller, req lifecycle.GrantRequest) *lifecycle.Result

// grantTarget names a principal kind and the lifecycle calls that grant and
// revoke access for it.
type grantTarget struct {
	use    string
	short  string
	grant  func(Lifecycle) grantFunc
	revoke func(Lifecycle) grantFunc
}

var grantTargets = []grantTarget{
	{
		use:    "user",
		short:  "a directory user",
		grant:  func(l Lifecycle) grantFunc { return l.GrantUser },
		revoke: func(l Lifecycle) grantFunc { return l.RevokeUser },
	},
	{
		use:    "group",
		short:  "a directory group",
		grant:  func(l Lifecycle) grantFunc { return l.GrantGroup },
		revoke: func(l Lifecycle) grantFunc { return l.RevokeGroup },
	},
	{
		use:    "approle",
		short:  "an approle",
		grant:  func(l Lifecycle) grantFunc { return l.GrantAppRole },
		revoke: func(l Lifecycle) grantFunc { return l.RevokeAppRole },
	},
	{
		use:    "awsrole",
		short:  "an AWS auth role",
		grant:  func(l Lifecycle) grantFunc { return l.GrantAwsRole },
		revoke: func(l Lifecycle) grantFunc { return l.RevokeAwsRole },
	},
}

// NewGrantCommand grants a principal access to an account.
func NewGrantCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant a principal access to an IAM service account",
		Long: `Attach one of the account's access policies (read, rotate, deny or sudo)
to a user, group, approle or AWS auth role. Any other level the principal
held on the account is replaced.`,
		Example: `  iamsvc grant user --account 1234567 --user testaccount --subject jdoe --access read
  iamsvc grant approle --account 1234567 --user testaccount --subject deployer --access rotate`,
	}
	for _, target := range grantTargets {
		cmd.AddCommand(newGrantSubcommand(app, target, false))
	}
	return cmd
}

// NewRevokeCommand revokes a principal's access to an account.
func NewRevokeCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a principal's access to an IAM service account",
		Example: `  iamsvc revoke group --account 1234567 --user testaccount --subject devops --access read`,
	}
	for _, target := range grantTargets {
		cmd.AddCommand(newGrantSubcommand(app, target, true))
	}
	return cmd
}

func newGrantSubcommand(app *App, target grantTarget, revoke bool) *cobra.Command {
	var req lifecycle.GrantRequest

	short := "Grant " + target.short + " access"
	if revoke {
		short = "Revoke access from " + target.short
	}

	cmd := &cobra.Command{
		Use:   target.use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				call := target.grant(rt.Lifecycle)
				if revoke {
					call = target.revoke(rt.Lifecycle)
				}
				return app.report(call(ctx, caller, req))
			})
		},
	}

	accountFlags(cmd, &req.AccountID, &req.UserName)
	cmd.Flags().StringVar(&req.Subject, "subject", "", "Name of the "+target.use)
	cmd.Flags().StringVar(&req.Access, "access", "", "Access level: read, rotate, deny or sudo")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("access")
	return cmd
}
