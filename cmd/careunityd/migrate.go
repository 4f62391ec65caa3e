package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/careunity/careunity/backend/internal/config"
	"github.com/careunity/careunity/backend/internal/db"
)

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *db.Migrator) error {
			pending, err := m.Pending()
			if err != nil {
				return err
			}
			if err := m.Up(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", len(pending))
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *db.Migrator) error {
			current, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			if err := m.Down(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back V%d\n", current)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *db.Migrator) error {
			applied, err := m.GetAppliedMigrations()
			if err != nil {
				return err
			}
			pending, err := m.Pending()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, mig := range applied {
				fmt.Fprintf(out, "V%d\t%s\tapplied %s\n", mig.Version, mig.Description, mig.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			for _, v := range pending {
				fmt.Fprintf(out, "V%d\tpending\n", v)
			}
			return nil
		})
	},
}

// withMigrator opens the database without migrating it.
func withMigrator(fn func(m *db.Migrator) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	database, err := db.Open(cfg.Data.Dir)
	if err != nil {
		return err
	}
	defer database.Close()

	m := db.NewMigrator(database.DB, db.Migrations)
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return fn(m)
}
