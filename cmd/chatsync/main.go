package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
	Client ConfigClient `toml:"client"`
}

// ConfigServer holds the server location.
type ConfigServer struct {
	URL string `toml:"url"`
}

// ConfigAuth holds the web session used for the websocket handshake.
type ConfigAuth struct {
	SessionCookie string `toml:"session_cookie"`
	CookieName    string `toml:"cookie_name"`
	UserID        int64  `toml:"user_id"`
	Username      string `toml:"username"`
}

// ConfigClient holds connection tuning.
type ConfigClient struct {
	Locale     string `toml:"locale"`
	AckTimeout string `toml:"ack_timeout"`
}

const defaultCookieName = "session"

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies CHATSYNC_* environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return &cfg, nil
}

// applyEnv overlays CHATSYNC_SERVER_URL, CHATSYNC_SESSION and CHATSYNC_LOCALE.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_SERVER_URL"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("CHATSYNC_SESSION"); v != "" {
		cfg.Auth.SessionCookie = v
	}
	if v := os.Getenv("CHATSYNC_LOCALE"); v != "" {
		cfg.Client.Locale = v
	}
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = strings.TrimRight(value, "/")
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "session_cookie":
			cfg.Auth.SessionCookie = value
		case "cookie_name":
			cfg.Auth.CookieName = value
		case "user_id":
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("user_id must be an integer: %w", err)
			}
			cfg.Auth.UserID = id
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "client":
		switch field {
		case "locale":
			cfg.Client.Locale = value
		case "ack_timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("ack_timeout must be a duration (e.g. 15s): %w", err)
			}
			cfg.Client.AckTimeout = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, client)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

var (
	verbose bool
	logJSON bool
	timeout time.Duration
	logger  = zap.NewNop()
)

func newLogger(verbose, asJSON bool) (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	cfg := zap.NewDevelopmentConfig()
	if asJSON {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for the realtime chat: list threads, read and send messages, and follow notifications.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional.
		_ = godotenv.Load()
		l, err := newLogger(verbose, logJSON)
		if err != nil {
			return fmt.Errorf("cannot build logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log connection activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON (with --verbose)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Deadline for one-shot commands")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
