package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm/clause"

	"github.com/mkarren/switchboard/internal/config"
	"github.com/mkarren/switchboard/internal/db"
	"github.com/mkarren/switchboard/internal/models"
	"github.com/mkarren/switchboard/internal/remote"
)

// verifyTimeout bounds the credential check against the remote network.
const verifyTimeout = 15 * time.Second

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage linked remote-network accounts",
	}
	cmd.AddCommand(newAccountLinkCmd())
	cmd.AddCommand(newAccountUnlinkCmd())
	cmd.AddCommand(newAccountListCmd())
	return cmd
}

func newAccountLinkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "link <operator-id>",
		Short: "Link a remote-network account to an operator",
		Long:  "Prompts for the remote-network bearer credential, verifies it, and registers the account.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAccountLink(cmd, configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

// readCredential prompts for the bearer token with echo disabled.
// Overridable in tests.
var readCredential = func(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal available for the credential prompt")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Remote-network credential: ")
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func runAccountLink(cmd *cobra.Command, configPath, operatorID string) error {
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

	credential, err := readCredential(cmd)
	if err != nil {
		return err
	}
	if credential == "" {
		return fmt.Errorf("credential must not be empty")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), verifyTimeout)
	defer cancel()

	client := remote.NewClient(cfg.Remote.APIURL, credential)
	profile, err := client.Verify(ctx)
	if err != nil {
		var ae *remote.AuthError
		if errors.As(err, &ae) {
			return fmt.Errorf("credential rejected: %s", ae.Reason)
		}
		return fmt.Errorf("verify credential: %w", err)
	}

	account := models.RemoteAccount{
		OperatorID:  operatorID,
		AccountID:   profile.AccountID,
		Credential:  credential,
		DisplayName: profile.DisplayName,
		Gender:      profile.Gender,
		Job:         profile.Job,
		Age:         profile.Age,
	}
	result := gormDB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"operator_id", "credential", "display_name", "gender", "job", "age"}),
	}).Create(&account)
	if result.Error != nil {
		return fmt.Errorf("persist account: %w", result.Error)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Linked %s (%s) to operator %s\n", profile.DisplayName, profile.AccountID, operatorID)
	return nil
}

func newAccountUnlinkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "unlink <account-id>",
		Short: "Unlink a remote-network account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return err
			}
			result := gormDB.Where("account_id = ?", args[0]).Delete(&models.RemoteAccount{})
			if result.Error != nil {
				return fmt.Errorf("unlink account: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("account %s is not linked", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlinked %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List linked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.DB)
			if err != nil {
				return err
			}
			var accounts []models.RemoteAccount
			if err := gormDB.Order("operator_id, account_id").Find(&accounts).Error; err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(accounts) == 0 {
				fmt.Fprintln(out, "No accounts linked")
				return nil
			}
			for _, a := range accounts {
				fmt.Fprintf(out, "%s\t%s\t%s\n", a.OperatorID, a.AccountID, a.DisplayName)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}
