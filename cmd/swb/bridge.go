package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mkarren/switchboard/internal/bridge"
	"github.com/mkarren/switchboard/internal/bridge/discord"
	"github.com/mkarren/switchboard/internal/config"
	"github.com/mkarren/switchboard/internal/dashboard"
	"github.com/mkarren/switchboard/internal/db"
)

func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Manage the bridge daemon",
	}
	cmd.AddCommand(newBridgeStartCmd())
	return cmd
}

func newBridgeStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge daemon",
		Long:  "Connects Discord and every linked remote account, then relays chats in both directions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridgeStart(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runBridgeStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	platform, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken})
	if err != nil {
		return err
	}

	daemon, err := bridge.NewDaemon(bridge.DaemonOpts{
		DB:       gormDB,
		Config:   cfg,
		Platform: platform,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if cfg.Dashboard.Enabled {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:       gormDB,
				Registry: daemon.Registry(),
				Port:     cfg.Dashboard.Port,
				Out:      cmd.OutOrStdout(),
			})
			if err != nil {
				log.Printf("dashboard: %v", err)
			}
		}()
	}

	return daemon.Run(ctx)
}
