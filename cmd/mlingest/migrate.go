package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mlingest/mlingest/internal/platform"
	"github.com/mlingest/mlingest/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the run bookkeeping tables",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default .mlingest/config.yaml)")

	withDB := func(fn func(cmd *cobra.Command, db *store.Postgres) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database url is required (set DATABASE_URL)")
			}
			db, err := openStore(cmd.Context(), cfg, 1, newLogger(cfg.Logging, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd, db)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *store.Postgres) error {
				if err := platform.AutoMigrate(db.DB()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert all migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *store.Postgres) error {
				if err := platform.MigrateDown(db.DB()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations reverted")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, db *store.Postgres) error {
				v, dirty, err := platform.Version(db.DB())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
				return nil
			}),
		},
	)
	return cmd
}
