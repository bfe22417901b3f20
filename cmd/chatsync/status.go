package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration and, when logged in, connect once to report threads and unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Server:      %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))
		fmt.Printf("  Locale:      %s\n", valueOrDefault(cfg.Client.Locale, "en"))
		if cfg.Client.AckTimeout != "" {
			fmt.Printf("  Ack timeout: %s\n", cfg.Client.AckTimeout)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.SessionCookie != "" {
			fmt.Printf("  Session:     %s (%s)\n", maskSecret(cfg.Auth.SessionCookie), valueOrDefault(cfg.Auth.CookieName, defaultCookieName))
		} else {
			fmt.Println("  Session:     (not set)")
		}
		if cfg.Auth.Username != "" {
			fmt.Printf("  User:        %s (id %d)\n", cfg.Auth.Username, cfg.Auth.UserID)
		}

		if cfg.Server.URL == "" || cfg.Auth.SessionCookie == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		user := s.Conn.User()
		fmt.Printf("  Connection:    %s\n", s.Conn.State())
		if user != nil {
			fmt.Printf("  Signed in as:  %s (id %d)\n", user.Username, user.UserID)
		}
		fmt.Printf("  Threads:       %d\n", len(s.Threads.Threads()))
		fmt.Printf("  Unread:        %d\n", s.Threads.UnreadTotal())
		fmt.Printf("  Notifications: %d unread\n", s.Notifications.Unread())
		return nil
	},
}
