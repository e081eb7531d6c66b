package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration and probe the messaging API with the stored credential.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		// Check token expiry.
		if cfg.Auth.Token != "" && cfg.Auth.TokenExpires != "" {
			expires, perr := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
			switch {
			case perr != nil:
				fmt.Printf("  Expiry:    unparseable (%s)\n", cfg.Auth.TokenExpires)
			case time.Now().Before(expires):
				fmt.Printf("  Expiry:    valid until %s\n", expires.Format(time.RFC3339))
			default:
				fmt.Printf("  Expiry:    EXPIRED (%s)\n", expires.Format(time.RFC3339))
			}
		}

		if cfg.Auth.Token == "" {
			fmt.Println()
			fmt.Println("Not authenticated. Run 'openstall init <token>'.")
			return nil
		}

		// Live probe.
		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convos, err := client.ListConversations(ctx)
		fmt.Println()
		if err != nil {
			fmt.Printf("API:       unreachable (%v)\n", err)
			return nil
		}
		unread := 0
		for _, c := range convos {
			unread += c.UnreadCount
		}
		fmt.Println("API:       ok")
		fmt.Printf("Conversations: %d (%d unread)\n", len(convos), unread)
		return nil
	},
}
