package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"homestats/internal/schema"
	"homestats/internal/storage"
)

func newValidateSchemaCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "validate-schema",
		Short: "Run the schema validator's dialect probes and optionally correct flagged issues",
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

			validator := schema.New(store)
			flags, err := validator.Validate(ctx)
			if err != nil {
				return fmt.Errorf("statsd: validate-schema: %w", err)
			}
			if len(flags) == 0 {
				fmt.Println("✅ no schema issues found")
				return nil
			}
			for _, f := range flags {
				fmt.Printf("⚠️  %s\n", f)
			}
			if fix {
				if err := validator.Correct(ctx, flags); err != nil {
					return fmt.Errorf("statsd: validate-schema: correct: %w", err)
				}
				fmt.Println("✅ corrections applied")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "apply correct_db_schema for every flagged issue")
	return cmd
}
