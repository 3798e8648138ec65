package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/iamsvc/internal/config"
	iamerrors "github.com/systmms/iamsvc/internal/errors"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/providers/vault"
)

// Health is the outcome of one doctor check.
type Health struct {
	Name       string
	Status     string // healthy, error, skipped
	Message    string
	Suggestion string
}

// NewDoctorCommand checks that iamsvc can reach everything it depends on.
func NewDoctorCommand(app *App) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity and configuration",
		Long: `Verify that iamsvc is ready to run lifecycle operations.

This command checks:
- Configuration file validity
- Vault reachability and the service token
- The caller's saved login
- SMTP settings for owner notifications
- The journal directory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Config.Definition == nil {
				if err := app.Config.Load(); err != nil {
					return err
				}
			}

			results := runChecks(cmd.Context(), app.Config, app.logger())
			displayHealth(app.out(), results, verbose)

			healthy := 0
			for _, r := range results {
				if r.Status != "error" {
					healthy++
				}
			}
			fmt.Fprintf(app.out(), "\nSummary: %d/%d checks passed\n", healthy, len(results))
			if healthy < len(results) {
				return fmt.Errorf("some checks failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "Show suggestions for failed checks")
	return cmd
}

func runChecks(ctx context.Context, cfg *config.Config, logger *logging.Logger) []Health {
	def := cfg.Definition
	client := vault.NewClient(def.Vault, vault.WithLogger(logger))
	var results []Health

	reach := Health{Name: "vault", Status: "healthy", Message: "Reachable at " + def.Vault.Address}
	if err := client.Ping(ctx); err != nil {
		reach = failed("vault", "ping", err)
	}
	results = append(results, reach)

	service := Health{Name: "service token", Status: "healthy"}
	if err := client.Authenticate(ctx); err != nil {
		service = failed("service token", "authentication", err)
	} else if info, err := client.LookupSelf(ctx, ""); err != nil {
		service = failed("service token", "token lookup", err)
	} else {
		service.Message = "Authenticated as " + info.Username()
	}
	results = append(results, service)

	caller := Health{Name: "caller login", Status: "healthy"}
	if token, err := callerToken(def.Vault.Address); err != nil {
		caller.Status = "error"
		caller.Message = err.Error()
		caller.Suggestion = "Run 'iamsvc login' or set " + tokenEnv
	} else if info, err := client.LookupSelf(ctx, token); err != nil {
		caller = failed("caller login", "token lookup", err)
		caller.Suggestion = "The saved login may have expired. Run 'iamsvc login' again"
	} else {
		caller.Message = "Logged in as " + info.Username()
	}
	results = append(results, caller)

	email := Health{Name: "email", Status: "skipped", Message: "Notifications disabled"}
	if def.Notifications.Email != nil {
		provider := notifications.NewEmailProvider(def.Notifications.Email.Provider())
		if err := provider.Validate(ctx); err != nil {
			email = Health{Name: "email", Status: "error", Message: err.Error(), Suggestion: "Check notifications.email in the config file"}
		} else {
			email = Health{Name: "email", Status: "healthy", Message: "Sending as " + def.Notifications.Email.From}
		}
	}
	results = append(results, email)

	dir := def.Journal.Dir
	if dir == "" {
		dir = journal.DefaultStorageDir()
	}
	history := Health{Name: "journal", Status: "healthy", Message: "Writable at " + dir}
	if err := checkWritable(dir); err != nil {
		history = Health{Name: "journal", Status: "error", Message: err.Error(),
			Suggestion: "Set journal.dir or IAMSVC_JOURNAL_DIR to a writable directory"}
	}
	logger.Debug("Journal directory %s", dir)
	results = append(results, history)

	return results
}

func failed(name, operation string, err error) Health {
	h := Health{Name: name, Status: "error", Message: err.Error()}
	var userErr iamerrors.UserError
	if errors.As(iamerrors.BackendError("vault", operation, err), &userErr) {
		h.Suggestion = userErr.Suggestion
	}
	return h
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

func displayHealth(out io.Writer, results []Health, verbose bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tMESSAGE\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t-------\n")
	for _, r := range results {
		status := r.Status
		switch r.Status {
		case "healthy":
			status = "✓ " + status
		case "error":
			status = "✗ " + status
		default:
			status = "- " + status
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, status, r.Message)
	}
	_ = w.Flush()

	if !verbose {
		return
	}
	for _, r := range results {
		if r.Status == "error" && r.Suggestion != "" {
			fmt.Fprintf(out, "\n%s: %s\n", r.Name, r.Suggestion)
		}
	}
}
