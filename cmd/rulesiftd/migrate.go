package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rulesift/rulesift/runtime"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
		Long: `Apply the embedded migrations that create the users and rules tables.

Examples:
  # Run all pending migrations
  rulesiftd migrate up --postgres-dsn postgres://localhost/rulesift

  # Show the current schema version
  DB_HOST=localhost DB_NAME=rulesift rulesiftd migrate status`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := a.postgresDSN()
			if err != nil {
				return err
			}
			if err := runtime.Migrate(cmd.Context(), dsn); err != nil {
				return err
			}
			a.logger.Info("migrations applied")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current migration version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := a.postgresDSN()
			if err != nil {
				return err
			}
			version, err := runtime.MigrationVersion(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", version)
			return nil
		},
	})

	return cmd
}

func (a *app) postgresDSN() (string, error) {
	if a.config.Postgres.DSN == "" {
		return "", errors.New("no database configured: set postgres.dsn, --postgres-dsn or DB_HOST")
	}
	return a.config.Postgres.DSN, nil
}
