package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"homestats/internal/importer"
	"homestats/internal/metadata"
	"homestats/internal/storage"
	"homestats/internal/units"
)

func newRepairDuplicatesCmd() *cobra.Command {
	var backupDir string
	cmd := &cobra.Command{
		Use:   "repair-duplicates",
		Short: "Remove duplicate (metadata_id, start_ts) rows and duplicate statistic_id metadata rows on legacy databases",
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
				return err
			}

			meta := metadata.New(store)
			if err := meta.Load(ctx); err != nil {
				return err
			}
			repairedMeta, err := meta.RepairDuplicateIDs(ctx)
			if err != nil {
				return fmt.Errorf("statsd: repair-duplicates: metadata: %w", err)
			}
			fmt.Printf("✅ statistics_meta: removed %d duplicate statistic_id rows\n", repairedMeta)

			imp := importer.New(store, meta, units.New())
			if err := imp.RepairDuplicates(ctx, backupDir); err != nil {
				return fmt.Errorf("statsd: repair-duplicates: rows: %w", err)
			}
			fmt.Println("✅ statistics / statistics_short_term: duplicate rows removed")
			return nil
		},
	}
	cmd.Flags().StringVar(&backupDir, "backup-dir", ".", "directory to write the JSON backup of any differing duplicate rows")
	return cmd
}
