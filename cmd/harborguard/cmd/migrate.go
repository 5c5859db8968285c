package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/db"
)

// migrateCmd applies the database schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Apply the schema for the backend selected by DB_DRIVER. Every statement
is idempotent, so running it against an up-to-date database is a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()

		switch cfg.DB.Driver {
		case "postgres", "postgresql", "":
			pool, err := db.Connect(ctx, cfg.DSN())
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
		default:
			// SQLite bootstraps its schema on open; memory has none.
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if err := st.Close(); err != nil {
				return err
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", cfg.DB.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
