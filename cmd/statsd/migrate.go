package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"homestats/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and convert any legacy datetime columns to float epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			dialect, err := cfg.Database.ResolveDialect()
			if err != nil {
				return err
			}
			db, err := storage.Open(dialect, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			store := storage.New(db, dialect)

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("statsd: migrate: init schema: %w", err)
			}
			fmt.Println("✅ tables ensured")

			for _, table := range []string{"statistics_short_term", "statistics"} {
				n, err := migrateTable(ctx, store, table)
				if err != nil {
					return err
				}
				if n > 0 {
					fmt.Printf("✅ %s: migrated %d legacy timestamp rows\n", table, n)
				} else {
					fmt.Printf("ℹ️  %s: no legacy timestamp columns found\n", table)
				}
			}
			return nil
		},
	}
}

func migrateTable(ctx context.Context, store *storage.Store, table string) (int64, error) {
	n, err := store.MigrateLegacyTimestamps(ctx, table)
	if err != nil {
		return 0, fmt.Errorf("statsd: migrate %s: %w", table, err)
	}
	return n, nil
}
