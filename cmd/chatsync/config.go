package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the stored file unchanged")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration in effect, with CHATSYNC_* environment overrides
applied and the session cookie masked. Use --raw to print the file as stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'chatsync init <server-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("# %s\n", path)
		fmt.Print(formatConfig(cfg))
		return nil
	},
}

// formatConfig renders cfg section by section, masking the session cookie.
func formatConfig(cfg *Config) string {
	var b strings.Builder
	b.WriteString("[server]\n")
	fmt.Fprintf(&b, "  url           = %s\n", valueOrDefault(cfg.Server.URL, "(not set)"))

	b.WriteString("[auth]\n")
	session := "(not set)"
	if cfg.Auth.SessionCookie != "" {
		session = maskSecret(cfg.Auth.SessionCookie)
	}
	fmt.Fprintf(&b, "  session       = %s\n", session)
	fmt.Fprintf(&b, "  cookie_name   = %s\n", valueOrDefault(cfg.Auth.CookieName, defaultCookieName))
	if cfg.Auth.Username != "" {
		fmt.Fprintf(&b, "  user          = %s (id %d)\n", cfg.Auth.Username, cfg.Auth.UserID)
	}

	b.WriteString("[client]\n")
	fmt.Fprintf(&b, "  locale        = %s\n", valueOrDefault(cfg.Client.Locale, "en"))
	fmt.Fprintf(&b, "  ack_timeout   = %s\n", valueOrDefault(cfg.Client.AckTimeout, "15s"))
	return b.String()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set client.locale fr",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.session_cookie" {
			value = maskSecret(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
