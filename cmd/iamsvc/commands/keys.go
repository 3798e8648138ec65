package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/iamsvc/internal/lifecycle"
	"github.com/systmms/iamsvc/internal/permissions"
)

// NewKeysCommand groups the access key commands.
func NewKeysCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the access keys of an IAM service account",
	}
	cmd.AddCommand(
		newKeysCreateCommand(app),
		newKeysRotateCommand(app),
		newKeysDeleteCommand(app),
		newKeysListCommand(app),
		newKeysReadCommand(app),
	)
	return cmd
}

// issuedKeyOutput is how a freshly minted key is printed.
type issuedKeyOutput struct {
	AccessKeyID     string `json:"accessKeyId"`
	AccessKeySecret string `json:"accessKeySecret"`
	AccountID       string `json:"awsAccountId"`
	UserName        string `json:"userName"`
	ExpiryDateEpoch int64  `json:"expiryDateEpoch"`
}

func newKeysCreateCommand(app *App) *cobra.Command {
	var accountID, userName, output string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new access key",
		Long: `Mint a new access key in AWS and store its secret in T-Vault. The secret
is printed once. An account holds at most two keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				res := rt.Lifecycle.CreateAccessKey(ctx, caller, accountID, userName)
				return app.reportIssued(res, output)
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	outputFlag(cmd, &output)
	return cmd
}

func newKeysRotateCommand(app *App) *cobra.Command {
	var accountID, userName, keyID, output string

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate an access key",
		Long: `Replace an access key with a new one. The old key stops working and the
new secret is printed once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				res := rt.Lifecycle.RotateAccessKey(ctx, caller, accountID, userName, keyID)
				return app.reportIssued(res, output)
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	keyFlag(cmd, &keyID)
	outputFlag(cmd, &output)
	return cmd
}

func newKeysDeleteCommand(app *App) *cobra.Command {
	var accountID, userName, keyID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an access key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				return app.report(rt.Lifecycle.DeleteAccessKey(ctx, caller, accountID, userName, keyID))
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	keyFlag(cmd, &keyID)
	return cmd
}

func newKeysListCommand(app *App) *cobra.Command {
	var accountID, userName, output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the access keys of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				res := rt.Lifecycle.ListAccessKeys(ctx, caller, accountID, userName)
				if !res.OK() {
					return app.report(res)
				}
				if output == "json" {
					return writeJSON(app.out(), res.Keys)
				}

				w := tabwriter.NewWriter(app.out(), 0, 0, 3, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "ACCESS KEY ID\tEXPIRES\tSTATUS")
				for _, key := range res.Keys {
					status := key.Status
					if status == "" {
						status = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", key.AccessKeyID, formatEpoch(key.ExpiryDateEpoch), status)
				}
				return nil
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	outputFlag(cmd, &output)
	return cmd
}

func newKeysReadCommand(app *App) *cobra.Command {
	var accountID, userName, keyID, output string

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read the secret of an access key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				res := rt.Lifecycle.ReadAccessKeySecret(ctx, caller, accountID, userName, keyID)
				if !res.OK() || res.KeySecret == nil {
					return app.report(res)
				}
				ks := res.KeySecret
				out := issuedKeyOutput{
					AccessKeyID:     ks.AccessKeyID,
					AccessKeySecret: ks.AccessKeySecret,
					AccountID:       ks.AccountID,
					UserName:        ks.UserName,
					ExpiryDateEpoch: ks.ExpiryDateEpoch,
				}
				return app.printKey(out, output)
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	keyFlag(cmd, &keyID)
	outputFlag(cmd, &output)
	return cmd
}

// reportIssued prints a freshly minted key, then wipes its secret. The key
// is shown even when a later step failed, since it already exists in AWS.
func (a *App) reportIssued(res *lifecycle.Result, output string) error {
	if res.Key == nil {
		return a.report(res)
	}
	defer res.Key.Secret.Wipe()

	secret, err := res.Key.Secret.Reveal()
	if err != nil {
		return fmt.Errorf("failed to read new key secret: %w", err)
	}

	var resultErr error
	if output != "json" {
		resultErr = a.report(res)
	} else if !res.OK() {
		resultErr = &ResultError{Status: res.Status, Code: res.Code, Step: res.FailedStep}
	}

	out := issuedKeyOutput{
		AccessKeyID:     res.Key.AccessKeyID,
		AccessKeySecret: secret,
		AccountID:       res.Key.AccountID,
		UserName:        res.Key.UserName,
		ExpiryDateEpoch: res.Key.ExpiryDateEpoch,
	}
	if err := a.printKey(out, output); err != nil {
		return err
	}
	return resultErr
}

func (a *App) printKey(key issuedKeyOutput, output string) error {
	if output == "json" {
		return writeJSON(a.out(), key)
	}
	w := tabwriter.NewWriter(a.out(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Access key ID:\t%s\n", key.AccessKeyID)
	fmt.Fprintf(w, "Secret access key:\t%s\n", key.AccessKeySecret)
	fmt.Fprintf(w, "Account:\t%s\n", key.AccountID)
	fmt.Fprintf(w, "IAM user:\t%s\n", key.UserName)
	fmt.Fprintf(w, "Expires:\t%s\n", formatEpoch(key.ExpiryDateEpoch))
	return w.Flush()
}

func formatEpoch(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04:05")
}

func keyFlag(cmd *cobra.Command, keyID *string) {
	cmd.Flags().StringVar(keyID, "key", "", "Access key ID")
	_ = cmd.MarkFlagRequired("key")
}

func outputFlag(cmd *cobra.Command, output *string) {
	cmd.Flags().StringVarP(output, "output", "o", "table", "Output format: table or json")
}
