package main

import (
	"errors"

	"github.com/spf13/cobra"

	pgstore "github.com/JakeFAU/rank-tracker/internal/storage/postgres"
)

// migrateFn is swapped in tests.
var migrateFn = pgstore.Migrate

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if rt.cfg.Database.DSN == "" {
				return errors.New("database.dsn is required")
			}
			if err := migrateFn(rt.cfg.Database.DSN); err != nil {
				return err
			}
			rt.logger.Info("migrations applied")
			cmd.Println("migrations applied")
			return nil
		},
	}
}
