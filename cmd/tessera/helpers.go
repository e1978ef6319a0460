package main

import (
	"fmt"
	"os"

	tessera "github.com/tessera-im/tessera-go"
)

// getClient creates a Tessera client from the stored credentials.
func getClient() (*tessera.Client, string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'tessera init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []tessera.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tessera.WithBaseURL(cfg.Default.BaseURL))
	}

	return tessera.NewClient(cfg.Auth.Token, opts...), cfg.Auth.UserID
}

// pageLimit returns the configured page size, or fallback when unset.
func pageLimit(fallback int) int {
	cfg, err := loadConfig()
	if err != nil || cfg.Default.PageLimit <= 0 {
		return fallback
	}
	return cfg.Default.PageLimit
}

// messageLine formats one message for terminal output.
func messageLine(msg tessera.Message) string {
	body := "(deleted)"
	if !msg.Deleted() && msg.Content != nil {
		body = *msg.Content
	}
	suffix := ""
	if msg.EditedAt != "" && !msg.Deleted() {
		suffix = " (edited)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", msg.CreatedAt, msg.SenderID, body, suffix)
}
