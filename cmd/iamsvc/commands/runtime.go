package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/systmms/iamsvc/internal/config"
	"github.com/systmms/iamsvc/internal/identity"
	"github.com/systmms/iamsvc/internal/journal"
	"github.com/systmms/iamsvc/internal/lifecycle"
	"github.com/systmms/iamsvc/internal/logging"
	"github.com/systmms/iamsvc/internal/metadata"
	"github.com/systmms/iamsvc/internal/metrics"
	"github.com/systmms/iamsvc/internal/notifications"
	"github.com/systmms/iamsvc/internal/permissions"
	"github.com/systmms/iamsvc/internal/policy"
	"github.com/systmms/iamsvc/internal/providers/awsiam"
	"github.com/systmms/iamsvc/internal/providers/vault"
	"github.com/systmms/iamsvc/internal/rollback"
)

const (
	// keyringService is the OS keyring service caller tokens are kept under,
	// one entry per Vault address.
	keyringService = "iamsvc"

	tokenEnv = "IAMSVC_TOKEN"
)

// NewRuntime connects to Vault and AWS and assembles the lifecycle service.
func NewRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	def := cfg.Definition
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	client := vault.NewClient(def.Vault, vault.WithLogger(logger.With("vault")))
	if client.Token() == "" || def.Vault.AuthMethod != "" && def.Vault.AuthMethod != "token" {
		if err := client.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("vault authentication failed: %w", err)
		}
	}

	directory, err := identity.NewDirectory(def.AuthMode, client, logger.With("identity"))
	if err != nil {
		return nil, err
	}

	keys, err := awsiam.NewClient(ctx, def.AWS, awsiam.WithLogger(logger.With("aws")))
	if err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	manager := notifications.NewManager(def.Notifications.QueueSize, logger.With("notify"))
	if email := def.Notifications.Email; email != nil {
		provider := notifications.NewEmailProvider(email.Provider())
		if err := provider.Validate(ctx); err != nil {
			return nil, fmt.Errorf("email notifications: %w", err)
		}
		manager.RegisterProvider(provider)
	}
	managerCtx, cancel := context.WithCancel(context.Background())
	manager.Start(managerCtx)

	journalDir := def.Journal.Dir
	if journalDir == "" {
		journalDir = journal.DefaultStorageDir()
	}
	history := journal.NewFileStorage(journalDir, logger.With("journal"))

	evaluator := permissions.NewEvaluator(client, def.AdminPolicy, def.ReservedAppRoles, logger.With("authz"))
	svc, err := lifecycle.NewService(lifecycle.Dependencies{
		Projector:  metadata.NewProjector(client, logger.With("metadata")),
		Policies:   policy.NewAdmin(client, logger.With("policy")),
		Principals: identity.NewRouter(directory, identity.NewAppRoles(client, logger), identity.NewAwsRoles(client, logger)),
		RoleStore:  client,
		Keys:       keys,
		Evaluator:  evaluator,
		Notifier:   notifications.NewDispatcher(manager, logger.With("notify")),
		Rollback:   rollback.NewManager(def.Rollback.Manager(), logger.With("rollback")),
		Journal:    history,
		Logger:     logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &Runtime{
		Lifecycle: svc,
		Caller: func(ctx context.Context) (*permissions.Caller, error) {
			token, err := callerToken(def.Vault.Address)
			if err != nil {
				return nil, err
			}
			return permissions.ResolveCaller(ctx, client, token, def.GlobalAdminPolicies)
		},
		close: func() error {
			manager.Stop()
			cancel()
			if err := history.CleanupOldEntries(def.Journal.Retention()); err != nil {
				logger.Debug("Journal cleanup: %v", err)
			}
			return metrics.WriteTextfile(def.Metrics.Textfile)
		},
	}, nil
}

// callerToken returns the token of whoever runs the command: IAMSVC_TOKEN,
// or the token saved by 'iamsvc login' for this Vault.
func callerToken(vaultAddr string) (string, error) {
	if token := os.Getenv(tokenEnv); token != "" {
		return token, nil
	}
	token, err := keyring.Get(keyringService, vaultAddr)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("no saved login for %s", vaultAddr)
		}
		return "", fmt.Errorf("keyring: %w", err)
	}
	return token, nil
}
