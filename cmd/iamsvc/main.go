package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/systmms/iamsvc/cmd/iamsvc/commands"
	"github.com/systmms/iamsvc/internal/config"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/secure"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := run()
	secure.Purge()
	if err != nil {
		var resultErr *commands.ResultError
		if errors.As(err, &resultErr) {
			// The outcome has already been printed.
			os.Exit(exitCode(resultErr))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitCode is 2 for partial success so scripts can tell it from failure.
func exitCode(err *commands.ResultError) int {
	if err.Code == 207 {
		return 2
	}
	return 1
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	cfg := &config.Config{}
	app := commands.NewApp(cfg)

	defaultConfig := config.DefaultPath
	if env := os.Getenv("IAMSVC_CONFIG"); env != "" {
		defaultConfig = env
	}

	rootCmd := &cobra.Command{
		Use:   "iamsvc",
		Short: "IAM service account lifecycle for T-Vault",
		Long: `iamsvc onboards AWS IAM users as T-Vault service accounts, manages who may
read or rotate their access keys, and rotates, creates and deletes those
keys without the secrets ever leaving T-Vault.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", defaultConfig, "Config file path (env IAMSVC_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewLoginCommand(app),
		commands.NewOnboardCommand(app),
		commands.NewActivateCommand(app),
		commands.NewTransferCommand(app),
		commands.NewGrantCommand(app),
		commands.NewRevokeCommand(app),
		commands.NewKeysCommand(app),
		commands.NewOffboardCommand(app),
		commands.NewListCommand(app),
		commands.NewHistoryCommand(app),
		commands.NewDoctorCommand(app),
	)

	return rootCmd.Execute()
}
