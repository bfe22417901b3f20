package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <session-cookie>",
	Short: "Store a web session and verify it",
	Long: `Store the value of the site's session cookie and check it against the server.

Copy the cookie from a signed-in browser. The signed-in user is saved in the
config file for reference.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Server.URL == "" {
			return fmt.Errorf("no server configured; run 'chatsync init <server-url>' first")
		}
		cfg.Auth.SessionCookie = args[0]

		ctx, cancel := commandContext(cmd)
		defer cancel()

		client, err := newHTTPClient(cfg)
		if err != nil {
			return err
		}
		defer client.CloseIdleConnections()
		auth, err := newAuth(ctx, cfg, client)
		if err != nil {
			return err
		}
		user := auth.Identity()
		logger.Debug("session verified", zap.Int64("user_id", user.ID), zap.String("username", user.Username))

		cfg.Auth.UserID = user.ID
		cfg.Auth.Username = user.Username
		if cfg.Auth.CookieName == "" {
			cfg.Auth.CookieName = defaultCookieName
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}
