package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/easel/internal/config"
	"github.com/zulandar/easel/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Easel database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "easel.yaml", "path to Easel config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect to %s store: %w", cfg.DB.Driver, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.DB.Driver)
	return nil
}
