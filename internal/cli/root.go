// Package cli implements stormctl, the operator command line for a
// StormCloud deployment.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashureev/stormcloud/internal/config"
	"github.com/ashureev/stormcloud/internal/identity"
	"github.com/ashureev/stormcloud/internal/store"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "stormctl",
		Short:         "StormCloud operator CLI",
		Long:          "stormctl inspects and administers the accounts, usage counters and transformation ledger of a StormCloud backend. It reads the same environment as the server.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newSeedAdminCmd(),
		newUsageCmd(),
		newLedgerCmd(),
		newProvidersCmd(),
	)

	return rootCmd
}

// app holds the dependencies a command needs. It is opened per command so
// that commands which never touch the database do not require one.
type app struct {
	cfg      *config.Config
	repo     store.Repository
	accounts *identity.Service
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	repo, err := store.Open(ctx, store.Options{
		Driver:     cfg.StorageDriver,
		DSN:        cfg.DSN(),
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		RetryDelay: cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	issuer := identity.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	return &app{
		cfg:      cfg,
		repo:     repo,
		accounts: identity.NewService(repo, issuer),
	}, nil
}

func (a *app) Close() error {
	return a.repo.Close()
}

func (a *app) accountByEmail(ctx context.Context, email string) (string, error) {
	account, err := a.repo.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("account %s: %w", email, err)
	}
	return account.ID, nil
}
