package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initExpires string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user", "", "marketplace user id of the credential owner")
	initCmd.Flags().StringVar(&initExpires, "expires", "", "token expiry (RFC3339)")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the marketplace session token",
	Long:  "Save the Openstall session token (and optionally your user id) to ~/.openstall/config.toml.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initExpires != "" {
			if _, err := time.Parse(time.RFC3339, initExpires); err != nil {
				return fmt.Errorf("invalid --expires value: %w", err)
			}
			cfg.Auth.TokenExpires = initExpires
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.UserID == "" {
			fmt.Println("Tip: set your user id with 'openstall config set auth.user_id <id>' to enable chat.")
		}
		return nil
	},
}
