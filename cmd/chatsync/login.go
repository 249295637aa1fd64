package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default: $CHATSYNC_PASSWORD)")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and store the token locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		effective, err := loadEffectiveConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if effective.Default.BaseURL == "" {
			return errors.New("no base URL configured; run 'chatsync init <base-url>' first")
		}

		password := loginPassword
		if password == "" {
			password = os.Getenv("CHATSYNC_PASSWORD")
		}
		if password == "" {
			return errors.New("password required: pass --password or set CHATSYNC_PASSWORD")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := chatsync.NewClient(effective.Default.BaseURL)
		res, err := client.AuthWithPassword(ctx, email, password)
		if err != nil {
			return errors.Wrap(err, "sign-in failed")
		}

		cfg.Auth.Token = res.Token
		cfg.Auth.UserID = res.Record.ID
		cfg.Auth.Email = email
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		fmt.Println("Signed in.")
		fmt.Printf("  User ID: %s\n", res.Record.ID)
		fmt.Printf("  Email:   %s\n", email)
		return nil
	},
}
