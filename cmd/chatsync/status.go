package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
	"github.com/Prismer-AI/chatsync/sqlstore"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Transport: %s\n", valueOrDefault(cfg.Default.Transport, "sse"))
		dbPath := valueOrDefault(flagDB, cfg.Default.DB)
		if dbPath != "" {
			fmt.Printf("  Local DB:  %s\n", dbPath)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Email:     %s\n", valueOrDefault(cfg.Auth.Email, "(not signed in)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (none)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Health:")
		if dbPath != "" {
			store, err := sqlstore.Open(dbPath)
			if err != nil {
				fmt.Printf("  Local DB:  error: %v\n", err)
				return nil
			}
			defer store.Close()
			if err := store.Ping(ctx); err != nil {
				fmt.Printf("  Local DB:  error: %v\n", err)
			} else {
				fmt.Println("  Local DB:  ok")
			}
			return nil
		}
		if cfg.Default.BaseURL == "" {
			fmt.Println("  Remote:    (not configured)")
			return nil
		}
		client := chatsync.NewClient(cfg.Default.BaseURL, chatsync.WithToken(cfg.Auth.Token))
		if err := client.Health(ctx); err != nil {
			fmt.Printf("  Remote:    error: %v\n", err)
		} else {
			fmt.Println("  Remote:    ok")
		}
		return nil
	},
}
