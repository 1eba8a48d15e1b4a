package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.maly/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigAuth holds the identity the CLI acts as.
type ConfigAuth struct {
	UserID int64  `toml:"user_id"`
	Token  string `toml:"token"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.maly, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".maly")
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
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	k, ok := lookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (run 'maly config keys')", key)
	}
	if k.check != nil {
		if err := k.check(value); err != nil {
			return err
		}
	}

	switch key {
	case "default.base_url":
		cfg.Default.BaseURL = strings.TrimRight(value, "/")
	case "auth.user_id":
		cfg.Auth.UserID, _ = strconv.ParseInt(value, 10, 64)
	case "auth.token":
		cfg.Auth.Token = value
	}
	return nil
}

// ============================================================================
// Settings
// ============================================================================

// settings layers flags over MALY_* environment variables over the config file.
var settings = viper.New()

// resolve merges the config file into the settings and returns the effective
// values.
func resolve() (baseURL string, userID int64, token string, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", 0, "", err
	}
	settings.SetDefault("base_url", cfg.Default.BaseURL)
	settings.SetDefault("user_id", cfg.Auth.UserID)
	settings.SetDefault("token", cfg.Auth.Token)

	return settings.GetString("base_url"), settings.GetInt64("user_id"), settings.GetString("token"), nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "maly",
	Short: "Maly messaging CLI",
	Long:  "Command-line interface for Maly direct messaging.\nRead conversations, send messages, and listen for new ones.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("base-url", "", "Backend base URL (env MALY_BASE_URL)")
	flags.Int64("user-id", 0, "Act as this user (env MALY_USER_ID)")
	flags.String("token", "", "Bearer token (env MALY_TOKEN)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")

	settings.SetEnvPrefix("MALY")
	settings.AutomaticEnv()
	_ = settings.BindPFlag("base_url", flags.Lookup("base-url"))
	_ = settings.BindPFlag("user_id", flags.Lookup("user-id"))
	_ = settings.BindPFlag("token", flags.Lookup("token"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
