package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netmark-org/netmark/internal/logger"
	"github.com/netmark-org/netmark/internal/storage/postgres"
)

func CmdMigrate() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			Long: `Bring the configured postgres database up to the current schema.

Migrations are embedded in the binary and applied in order; already
applied ones are skipped, so running migrate twice is harmless. Run it
once before the first server start and after every upgrade.

Example:
  netmark migrate
  netmark migrate --config /etc/netmark/config.yaml
`,
		}, nil, runMigrate,
	)
}

func runMigrate(ctx *Context, _ []string) error {
	store, err := postgres.Open(ctx, ctx.Config.Database.ConnString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error(ctx, "Failed to close database", "err", err)
		}
	}()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	logger.Info(ctx, "Database schema is up to date")
	return nil
}
