package main

import (
	"context"
	"fmt"

	"whatsmgr/internal/config"
	"whatsmgr/internal/credentials"
	"whatsmgr/internal/importer"
	"whatsmgr/internal/models"
	"whatsmgr/internal/retry"
	"whatsmgr/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session store and credential store migrations, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger(cfg, opts.verbose)
			if err := migrate(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		},
	}
}

// migrate brings every local schema up to date. A mongo import sink needs no
// schema; its indexes are ensured on connect.
func migrate(ctx context.Context, cfg *models.Config, logger *logrus.Logger) error {
	backoff := retry.FromConfig(cfg.Retry)

	st, err := store.Open(cfg.Database, backoff, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	if err := st.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate session store: %w", err)
	}
	if cfg.Import.Sink != "mongo" {
		if err := importer.NewDatabaseSink(st.DB(), cfg.Import.BatchSize, logger).AutoMigrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate import sink: %w", err)
		}
	}

	// Opening the credential store applies its pending migrations. The
	// secret is irrelevant here since no blob is read.
	creds, err := credentials.Open(ctx, cfg.Credentials.Path, nil, backoff, logger)
	if err != nil {
		return err
	}
	return creds.Close()
}
