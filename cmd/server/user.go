package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filedav-server/internal/auth"
	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/models"
)

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("FILEDAV_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("a password is required (--password or FILEDAV_PASSWORD)")
		}
		displayName, _ := cmd.Flags().GetString("display-name")

		db, err := database.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.MigrateUp(); err != nil {
			return err
		}

		svc := auth.NewService(db, cfg.Auth, logger)
		user, err := svc.CreateUser(cmd.Context(), models.UserCreateRequest{
			Username:    args[0],
			Password:    password,
			DisplayName: displayName,
		})
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		fmt.Printf("User created: %s (%s)\n", user.Username, user.ID)
		return nil
	},
}
