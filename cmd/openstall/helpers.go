package main

import (
	"fmt"
	"os"

	openstall "github.com/openstall/openstall-go"
)

// getClient creates an Openstall client from the stored configuration.
func getClient() *openstall.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'openstall init <token>' first.")
		os.Exit(1)
	}

	var opts []openstall.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, openstall.WithBaseURL(cfg.Default.BaseURL))
	}
	return openstall.NewClient(cfg.Auth.Token, opts...)
}

// getViewerID returns the configured user id, exiting when unset.
func getViewerID() string {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'openstall config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg.Auth.UserID
}

// valueOrDefault returns v unless it is empty.
func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// maskToken shortens a credential for display.
func maskToken(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
