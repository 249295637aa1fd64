package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	Transport string `toml:"transport"`
	LogLevel  string `toml:"log_level"`
	DB        string `toml:"db"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
}

// configKey describes one settable key: its dot path, the CHATSYNC_*
// variable that overrides it and how to read it from a Config.
type configKey struct {
	name   string
	env    string
	secret bool
	get    func(*Config) string
}

var configKeys = []configKey{
	{name: "default.base_url", env: "CHATSYNC_BASE_URL", get: func(c *Config) string { return c.Default.BaseURL }},
	{name: "default.transport", env: "CHATSYNC_TRANSPORT", get: func(c *Config) string { return c.Default.Transport }},
	{name: "default.log_level", env: "CHATSYNC_LOG_LEVEL", get: func(c *Config) string { return c.Default.LogLevel }},
	{name: "default.db", env: "CHATSYNC_DB", get: func(c *Config) string { return c.Default.DB }},
	{name: "auth.token", env: "CHATSYNC_TOKEN", secret: true, get: func(c *Config) string { return c.Auth.Token }},
	{name: "auth.user_id", env: "CHATSYNC_USER_ID", get: func(c *Config) string { return c.Auth.UserID }},
	{name: "auth.email", get: func(c *Config) string { return c.Auth.Email }},
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir, os.MkdirAll(dir, 0o700)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "cannot determine home directory")
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

// loadEffectiveConfig is loadConfig with .env files and CHATSYNC_*
// variables applied on top. It is what commands run with; saveConfig is
// never given its result.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	loadDotEnv()
	for _, k := range configKeys {
		if k.env == "" {
			continue
		}
		if v := os.Getenv(k.env); v != "" {
			if err := setConfigValue(cfg, k.name, v); err != nil {
				return nil, errors.Wrapf(err, "%s", k.env)
			}
		}
	}
	return cfg, nil
}

// loadDotEnv loads ./.env and ~/.chatsync/.env into the environment.
// Variables already set win over both files.
func loadDotEnv() {
	if dir, err := configDir(); err == nil {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join(dir, ".env"))
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "sse" && value != "ws" {
				return errors.Errorf("transport must be sse or ws, got %q", value)
			}
			cfg.Default.Transport = value
		case "log_level":
			if _, err := log.ParseLevel(value); err != nil {
				return err
			}
			cfg.Default.LogLevel = value
		case "db":
			cfg.Default.DB = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagLogLevel string
	flagDB       string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync CLI",
	Long:  "Command-line client for a chat store: list chats and messages, send with streamed replies, and watch live changes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := flagLogLevel
		if level == "" {
			if cfg, err := loadEffectiveConfig(); err == nil {
				level = cfg.Default.LogLevel
			}
		}
		if level == "" {
			level = "warn"
		}
		lvl, err := log.ParseLevel(level)
		if err != nil {
			return err
		}
		log.SetLevel(lvl)
		log.SetOutput(os.Stderr)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Use the SQLite database at this path instead of the remote store")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
