package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"otad/pkg/db"
)

func newMigrateCommand() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn or DB_DSN is required")
			}
			pool, err := db.Open(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("DB_DSN"), "Postgres connection string (env DB_DSN)")
	return cmd
}
