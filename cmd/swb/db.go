package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarren/switchboard/internal/config"
	"github.com/mkarren/switchboard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the persistence store",
	}
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBResetCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update all bridge tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return err
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration complete\n")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func newDBResetCmd() *cobra.Command {
	var configPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate all bridge tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("db reset destroys all bridge state; re-run with --force")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return err
			}
			if err := gormDB.Migrator().DropTable(db.AllModels()...); err != nil {
				return fmt.Errorf("drop tables: %w", err)
			}
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset complete\n")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().BoolVar(&force, "force", false, "confirm destroying all bridge state")
	return cmd
}
