package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	maly "github.com/maly-app/maly-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool
	messagesJSON      bool
	sendJSON          bool
	sendSocket        bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, readCmd, readAllCmd)

	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().BoolVar(&sendSocket, "socket", true, "Send over the live socket, falling back to REST")
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		ctx, cancel := requestContext()
		defer cancel()

		convs, err := s.store().FetchConversations(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-6d %s%s\n", c.User.ID, displayName(c.User), unread)
			fmt.Printf("       %s\n", oneLine(c.LastMessage.Content))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <other-user-id>",
	Short: "Show the conversation with another user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		otherID, err := parseID(args[0], "user id")
		if err != nil {
			return err
		}
		s := getSession()
		ctx, cancel := requestContext()
		defer cancel()

		store := s.store()
		msgs, err := store.FetchMessages(ctx, s.userID, otherID)
		if err != nil {
			if text := store.ErrorText(); text != "" {
				return fmt.Errorf("%s", text)
			}
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			who := "them"
			if m.SenderID == s.userID {
				who = "you"
			}
			mark := " "
			if m.ReceiverID == s.userID && !m.Read {
				mark = "*"
			}
			fmt.Printf("%s [%d] %s %-4s: %s\n", mark, m.ID, m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Content)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <receiver-id> <text...>",
	Short: "Send a direct message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiverID, err := parseID(args[0], "receiver id")
		if err != nil {
			return err
		}
		s := getSession()
		ctx, cancel := requestContext()
		defer cancel()

		store := s.store()
		defer store.Disconnect()
		if sendSocket {
			if err := store.Connect(s.userID); err == nil {
				waitForSocket(ctx, store.Conn())
			}
		}

		msg, err := store.SendMessage(ctx, maly.SendRequest{
			SenderID:   s.userID,
			ReceiverID: receiverID,
			Content:    strings.Join(args[1:], " "),
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent message %d to user %d\n", msg.ID, receiverID)
		return nil
	},
}

// ============================================================================
// read / read-all
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <message-id>",
	Short: "Mark a message as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "message id")
		if err != nil {
			return err
		}
		s := getSession()
		ctx, cancel := requestContext()
		defer cancel()

		if err := s.store().MarkAsRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Message %d marked as read\n", id)
		return nil
	},
}

var readAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every message you received as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		ctx, cancel := requestContext()
		defer cancel()

		if err := s.store().MarkAllAsRead(ctx, s.userID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("All messages marked as read")
		return nil
	},
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return s
}
