package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/policy"
)

// NewHistoryCommand shows the operation journal.
func NewHistoryCommand(app *App) *cobra.Command {
	var (
		accountID string
		userName  string
		limit     int
		since     string
		status    string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the lifecycle operation journal",
		Long: `Display recorded lifecycle operations, newest first, with the step each
failed or partial operation stopped at. Use it to reconcile partial failures.`,
		Example: `  # Everything recorded on this host
  iamsvc history

  # One account, failures only
  iamsvc history --account 1234567 --user testaccount --status failure

  # Machine readable
  iamsvc history --format json --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Config.Definition == nil {
				if err := app.Config.Load(); err != nil {
					return err
				}
			}
			if (accountID == "") != (userName == "") {
				return fmt.Errorf("--account and --user must be given together")
			}

			var sinceTime *time.Time
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid since date format (use YYYY-MM-DD): %w", err)
				}
				sinceTime = &t
			}

			dir := app.Config.Definition.Journal.Dir
			if dir == "" {
				dir = journal.DefaultStorageDir()
			}
			store := journal.NewFileStorage(dir, app.Config.Logger)

			var (
				entries []journal.Entry
				err     error
			)
			if accountID != "" {
				entries, err = store.History(policy.UniqueName(accountID, userName), limit)
			} else {
				entries, err = store.AllHistory(limit)
			}
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}

			filtered := filterEntries(entries, sinceTime, status)
			switch format {
			case "json":
				return writeJSON(app.out(), filtered)
			case "yaml":
				return outputHistoryYAML(app.out(), filtered)
			default:
				return outputHistoryTable(app.out(), filtered)
			}
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "AWS account ID")
	cmd.Flags().StringVar(&userName, "user", "", "IAM user name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to show")
	cmd.Flags().StringVar(&since, "since", "", "Show entries since date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: success, partial_success, failure")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table, json, yaml")
	return cmd
}

func filterEntries(entries []journal.Entry, since *time.Time, status string) []journal.Entry {
	filtered := []journal.Entry{}
	for _, entry := range entries {
		if since != nil && entry.Timestamp.Before(*since) {
			continue
		}
		if status != "" && !strings.EqualFold(entry.Status, status) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func outputHistoryTable(out io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No operations recorded matching criteria")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIMESTAMP\tACCOUNT\tOPERATION\tSTATUS\tBY\tFAILED STEPS")
	fmt.Fprintln(w, "---------\t-------\t---------\t------\t--\t------------")
	for _, entry := range entries {
		failed := "-"
		if steps := entry.FailedSteps(); len(steps) > 0 {
			failed = strings.Join(steps, ",")
		}
		by := entry.User
		if by == "" {
			by = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
			entry.Account,
			entry.Operation,
			formatStatus(entry.Status),
			by,
			failed,
		)
	}
	return nil
}

func outputHistoryYAML(out io.Writer, entries []journal.Entry) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string]interface{}{"entries": entries})
}

func formatStatus(status string) string {
	switch status {
	case journal.StatusSuccess:
		return "✅ success"
	case journal.StatusPartialSuccess:
		return "⚠️  partial"
	case journal.StatusFailure:
		return "❌ failure"
	default:
		return status
	}
}
