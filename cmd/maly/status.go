package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	maly "github.com/maly-app/maly-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and backend status",
	Long:  "Display the effective configuration, then check the REST API and the live socket.",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, userID, token, err := resolve()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(baseURL, defaultBaseURL+" (default)"))
		if userID != 0 {
			fmt.Printf("  User ID:  %d\n", userID)
		} else {
			fmt.Println("  User ID:  (not set)")
		}
		if token != "" {
			fmt.Printf("  Token:    %s\n", maskKey(token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		if userID == 0 {
			return nil
		}

		s := getSession()
		fmt.Println()
		fmt.Println("Live status:")
		fmt.Printf("  Socket URL:    %s\n", s.client.SocketURL())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := s.client.ListConversations(ctx, s.userID)
		if err != nil {
			fmt.Printf("  REST:          error: %v\n", err)
		} else {
			unread := 0
			for _, c := range convs {
				unread += c.UnreadCount
			}
			fmt.Printf("  Conversations: %d\n", len(convs))
			fmt.Printf("  Unread:        %d\n", unread)
		}

		store := s.store()
		defer store.Disconnect()
		if err := store.Connect(s.userID); err != nil {
			fmt.Printf("  Socket:        %v\n", err)
			return nil
		}
		fmt.Printf("  Socket:        %s\n", waitForSocket(ctx, store.Conn()))
		return nil
	},
}

// waitForSocket waits until the connection opens, fails or ctx expires and
// returns the state it ended in.
func waitForSocket(ctx context.Context, conn *maly.Connection) maly.ConnState {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch st := conn.State(); st {
		case maly.StateOpen, maly.StateFailed:
			return st
		}
		select {
		case <-ctx.Done():
			return conn.State()
		case <-ticker.C:
		}
	}
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
