package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// NewLoginCommand logs the caller into Vault and saves the token in the OS keyring.
func NewLoginCommand(app *App) *cobra.Command {
	var (
		method        string
		username      string
		passwordStdin bool
		token         string
		logout        bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to Vault and save the token in the OS keyring",
		Long: `Exchange directory credentials for a Vault token and keep it in the OS
keyring. Every other command acts as the identity behind that token unless
IAMSVC_TOKEN is set.`,
		Example: `  # LDAP login, password read from the terminal
  iamsvc login --username jdoe

  # Userpass login for automation
  echo "$PASSWORD" | iamsvc login --method userpass --username ci --password-stdin

  # Save an existing token
  iamsvc login --token "$VAULT_TOKEN"

  # Forget the saved token
  iamsvc login --logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Config.Definition == nil {
				if err := app.Config.Load(); err != nil {
					return err
				}
			}
			addr := app.Config.Definition.Vault.Address

			if logout {
				if err := keyring.Delete(keyringService, addr); err != nil && !errors.Is(err, keyring.ErrNotFound) {
					return fmt.Errorf("keyring: %w", err)
				}
				fmt.Fprintf(app.out(), "Logged out of %s\n", addr)
				return nil
			}

			if token == "" {
				if username == "" {
					return iamerrors.UserError{
						Message:    "A username or a token is required",
						Suggestion: "Pass --username, or --token to save an existing token",
					}
				}
				password, err := readPassword(cmd.InOrStdin(), passwordStdin)
				if err != nil {
					return err
				}
				if method == "" {
					method = app.Config.Definition.AuthMode
					if method == "oidc" {
						method = "ldap"
					}
				}
				token, err = login(cmd.Context(), app, method, username, password)
				if err != nil {
					return err
				}
			}

			if err := keyring.Set(keyringService, addr, token); err != nil {
				return iamerrors.UserError{
					Message:    "Failed to save the token in the OS keyring",
					Details:    err.Error(),
					Suggestion: "Set IAMSVC_TOKEN instead on hosts without a keyring",
					Err:        err,
				}
			}
			fmt.Fprintf(app.out(), "✅ Logged in to %s\n", addr)
			return nil
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "Login method: ldap or userpass (default: the configured auth mode)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Directory username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().StringVar(&token, "token", "", "Save this token instead of logging in")
	cmd.Flags().BoolVar(&logout, "logout", false, "Remove the saved token")

	return cmd
}

func login(ctx context.Context, app *App, method, username, password string) (string, error) {
	client := vault.NewClient(app.Config.Definition.Vault, vault.WithLogger(app.logger()))
	token, err := client.Login(ctx, method, username, password)
	if err != nil {
		return "", iamerrors.BackendError("vault", "login", err)
	}
	return token, nil
}

func readPassword(in io.Reader, fromStdin bool) (string, error) {
	if !fromStdin {
		fmt.Fprint(os.Stderr, "Password: ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", iamerrors.UserError{Message: "Password is empty"}
	}
	return password, nil
}
