package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/iamsvc/internal/permissions"
)

// NewListCommand lists the accounts the caller can see.
func NewListCommand(app *App) *cobra.Command {
	var (
		onboarded bool
		output    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List IAM service accounts",
		Long: `List the IAM service accounts you have access to and the level you hold.
With --onboarded, list every onboarded account (admin only).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				if onboarded {
					res := rt.Lifecycle.ListOnboarded(ctx, caller)
					if !res.OK() {
						return app.report(res)
					}
					if output == "json" {
						return writeJSON(app.out(), res.Onboarded)
					}
					if len(res.Onboarded) == 0 {
						fmt.Fprintln(app.out(), "No IAM service accounts onboarded")
						return nil
					}
					for _, name := range res.Onboarded {
						fmt.Fprintln(app.out(), name)
					}
					return nil
				}

				res := rt.Lifecycle.ListAccessible(ctx, caller)
				if !res.OK() {
					return app.report(res)
				}
				if output == "json" {
					return writeJSON(app.out(), res.Accounts)
				}
				if len(res.Accounts) == 0 {
					fmt.Fprintln(app.out(), "No IAM service accounts accessible")
					return nil
				}
				w := tabwriter.NewWriter(app.out(), 0, 0, 3, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "ACCOUNT\tACCESS\tVIA")
				for _, acc := range res.Accounts {
					fmt.Fprintf(w, "%s\t%s\t%s\n", acc.UniqueName, acc.Level, acc.Via)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&onboarded, "onboarded", false, "List every onboarded account (admin only)")
	outputFlag(cmd, &output)
	return cmd
}
