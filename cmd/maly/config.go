package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	maly "github.com/maly-app/maly-go"
)

// configKey describes one settable key of ~/.maly/config.toml.
type configKey struct {
	name  string
	env   string
	flag  string
	usage string
	check func(string) error
}

var configKeys = []configKey{
	{"default.base_url", "MALY_BASE_URL", "--base-url", "Backend base URL; the socket is derived from it", checkBaseURL},
	{"auth.user_id", "MALY_USER_ID", "--user-id", "User the CLI acts as", checkUserID},
	{"auth.token", "MALY_TOKEN", "--token", "Bearer token sent with REST and socket requests", nil},
}

func lookupKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

// checkBaseURL accepts absolute http and https URLs only, since the socket
// scheme is derived from them.
func checkBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("base_url must be an http:// or https:// URL, got %q", v)
	}
	return nil
}

func checkUserID(v string) error {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("user_id must be a positive integer")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Maly configuration",
	Long:  "View or modify the Maly CLI configuration stored in ~/.maly/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings and the socket they lead to",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'maly init <user-id>' to create one.")
		} else {
			fmt.Printf("File: %s\n", path)
		}

		baseURL, userID, token, err := resolve()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		fmt.Printf("  default.base_url = %s\n", baseURL)
		fmt.Printf("  auth.user_id     = %d\n", userID)
		fmt.Printf("  auth.token       = %s\n", valueOrDefault(maskToken(token), "(not set)"))
		if err := checkBaseURL(baseURL); err != nil {
			fmt.Printf("  socket           = (invalid: %v)\n", err)
		} else {
			fmt.Printf("  socket           = %s\n", maly.NewClient(baseURL).SocketURL())
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: maly config set default.base_url https://maly.example\nRun 'maly config keys' for the list of keys.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], strings.TrimSpace(args[1])

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

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys with their environment and flag overrides",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range configKeys {
			fmt.Printf("%-18s %-14s %-11s %s\n", k.name, k.env, k.flag, k.usage)
		}
	},
}

func maskToken(token string) string {
	if token == "" {
		return ""
	}
	return maskKey(token)
}
