package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/permissions"
)

// NewOnboardCommand registers an existing IAM user as a service account.
func NewOnboardCommand(app *App) *cobra.Command {
	var (
		file    string
		flagReq onboardFile
		keyIDs  []string
		ttlDays int
	)

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Onboard an IAM service account",
		Long: `Register an existing AWS IAM user as a service account. Creates its four
access policies, records its metadata and existing access keys, grants the
owner sudo access and notifies the owner.

Only holders of the admin policy can onboard accounts.`,
		Example: `  # From a request file
  iamsvc onboard --file request.json

  # From flags
  iamsvc onboard --account 1234567 --user testaccount \
    --owner-ntid normaluser --owner-email normaluser@example.com \
    --app-id tvt --app-name T-Vault --app-tag TVT \
    --access-key AKIAOLD`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := flagReq
			if file != "" {
				if err := readRequest(file, cmd.InOrStdin(), "onboard", &req); err != nil {
					return err
				}
			} else {
				if len(keyIDs) == 0 {
					return iamerrors.UserError{
						Message:    "At least one access key is required",
						Suggestion: "Pass --access-key for each existing key of the IAM user",
					}
				}
				expiry := time.Now().Add(time.Duration(ttlDays) * 24 * time.Hour).UnixMilli()
				for _, id := range keyIDs {
					req.Secrets = append(req.Secrets, metadata.AccessKey{AccessKeyID: id, ExpiryDateEpoch: expiry})
				}
			}

			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				return app.report(rt.Lifecycle.Onboard(ctx, caller, req.request()))
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON request file ('-' for stdin)")
	cmd.Flags().StringVar(&flagReq.AccountID, "account", "", "AWS account ID")
	cmd.Flags().StringVar(&flagReq.UserName, "user", "", "IAM user name")
	cmd.Flags().StringVar(&flagReq.AccountName, "account-name", "", "AWS account name")
	cmd.Flags().StringVar(&flagReq.OwnerNtid, "owner-ntid", "", "Owner directory user name")
	cmd.Flags().StringVar(&flagReq.OwnerEmail, "owner-email", "", "Owner email address")
	cmd.Flags().StringVar(&flagReq.ApplicationID, "app-id", "", "Application ID")
	cmd.Flags().StringVar(&flagReq.ApplicationName, "app-name", "", "Application name")
	cmd.Flags().StringVar(&flagReq.ApplicationTag, "app-tag", "", "Application tag")
	cmd.Flags().StringVar(&flagReq.ADSelfSupportGroup, "ad-group", "", "AD self-support group")
	cmd.Flags().StringSliceVar(&keyIDs, "access-key", nil, "Existing access key ID (repeatable)")
	cmd.Flags().IntVar(&ttlDays, "key-ttl-days", 90, "Expiry recorded for the existing keys, in days from now")

	return cmd
}

// NewActivateCommand activates an onboarded account.
func NewActivateCommand(app *App) *cobra.Command {
	var accountID, userName string

	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate an onboarded IAM service account",
		Long: `Rotate every access key recorded at onboarding so that only T-Vault knows
the secrets, then mark the account active. Only the owner can activate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				return app.report(rt.Lifecycle.Activate(ctx, caller, accountID, userName))
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	return cmd
}

// NewTransferCommand changes the owner of an account.
func NewTransferCommand(app *App) *cobra.Command {
	var (
		file    string
		flagReq transferFile
	)

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Transfer ownership of an IAM service account",
		Long: `Move sudo access from the current owner to a new one and update the
owner and application details. Without --owner-ntid and --owner-email only
the application details and self-support group are updated. Only holders of
the admin policy can transfer.`,
		Example: `  iamsvc transfer --account 1234567 --user testaccount \
    --owner-ntid newowner --owner-email newowner@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := flagReq
			if file != "" {
				if err := readRequest(file, cmd.InOrStdin(), "transfer", &req); err != nil {
					return err
				}
			}
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				return app.report(rt.Lifecycle.TransferOwner(ctx, caller, req.request()))
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON request file ('-' for stdin)")
	cmd.Flags().StringVar(&flagReq.AccountID, "account", "", "AWS account ID")
	cmd.Flags().StringVar(&flagReq.UserName, "user", "", "IAM user name")
	cmd.Flags().StringVar(&flagReq.OwnerNtid, "owner-ntid", "", "New owner directory user name")
	cmd.Flags().StringVar(&flagReq.OwnerEmail, "owner-email", "", "New owner email address")
	cmd.Flags().StringVar(&flagReq.ApplicationID, "app-id", "", "Application ID")
	cmd.Flags().StringVar(&flagReq.ApplicationName, "app-name", "", "Application name")
	cmd.Flags().StringVar(&flagReq.ApplicationTag, "app-tag", "", "Application tag")
	cmd.Flags().StringVar(&flagReq.ADSelfSupportGroup, "self-support-group", "", "Directory group allowed to rotate keys")
	return cmd
}

// NewOffboardCommand removes an account from T-Vault.
func NewOffboardCommand(app *App) *cobra.Command {
	var accountID, userName string

	cmd := &cobra.Command{
		Use:   "offboard",
		Short: "Offboard an IAM service account",
		Long: `Delete the account's policies, strip them from every principal they were
granted to, and remove its metadata and stored secrets. The IAM user and its
keys in AWS are left untouched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context(), func(ctx context.Context, rt *Runtime, caller *permissions.Caller) error {
				return app.report(rt.Lifecycle.Offboard(ctx, caller, accountID, userName))
			})
		},
	}
	accountFlags(cmd, &accountID, &userName)
	return cmd
}

func accountFlags(cmd *cobra.Command, accountID, userName *string) {
	cmd.Flags().StringVar(accountID, "account", "", "AWS account ID")
	cmd.Flags().StringVar(userName, "user", "", "IAM user name")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("user")
}

