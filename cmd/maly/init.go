package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initBaseURL, "url", "", "Backend base URL to store")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store your user id in ~/.maly/config.toml",
	Long:  "Initialize the Maly CLI by storing the user id (and optionally the backend URL) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("user id must be a positive integer")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = userID
		if initBaseURL != "" {
			if err := setConfigValue(cfg, "default.base_url", initBaseURL); err != nil {
				return err
			}
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = defaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("User %d saved to %s\n", userID, path)
		return nil
	},
}
