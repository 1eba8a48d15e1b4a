package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	maly "github.com/maly-app/maly-go"
	"github.com/maly-app/maly-go/internal/mockserver"
)

var (
	listenDismiss time.Duration

	mockAddr  string
	mockUsers []string
	mockPairs []string
)

func init() {
	rootCmd.AddCommand(listenCmd, mockServerCmd)

	listenCmd.Flags().DurationVar(&listenDismiss, "dismiss-after", 5*time.Second, "Auto-dismiss delay for notices")

	mockServerCmd.Flags().StringVar(&mockAddr, "addr", ":5000", "Listen address")
	mockServerCmd.Flags().StringSliceVar(&mockUsers, "user", nil, "Seed a user as id=name (repeatable)")
	mockServerCmd.Flags().StringSliceVar(&mockPairs, "pair", nil, "Connect two users as a:b (repeatable)")
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print incoming messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := s.store()
		notifier := maly.NewNotifier(s.userID, maly.NewWriterRenderer(os.Stdout), listenDismiss)
		defer notifier.Close()
		notifier.Attach(store)

		store.Conn().OnStateChange(func(st maly.ConnState) {
			fmt.Fprintf(os.Stderr, "socket %s\n", st)
		})
		store.Conn().OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting in %s (attempt %d)\n", delay, attempt)
		})

		if err := store.Connect(s.userID); err != nil {
			return err
		}
		defer store.Disconnect()

		fmt.Fprintf(os.Stderr, "Listening as user %d on %s (Ctrl+C to stop)\n", s.userID, s.client.SocketURL())
		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// mock-server
// ============================================================================

var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run an in-memory backend for local testing",
	Example: `  maly mock-server --user 1=Ana --user 2=Ben --pair 1:2
  maly --user-id 1 listen`,
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mockserver.New(slog.Default())
		for _, u := range mockUsers {
			id, name, _ := strings.Cut(u, "=")
			uid, err := parseID(id, "user id")
			if err != nil {
				return fmt.Errorf("--user %q: %w", u, err)
			}
			srv.AddUser(maly.UserSummary{ID: uid, Username: strings.ToLower(name), DisplayName: name})
		}
		for _, p := range mockPairs {
			a, b, ok := strings.Cut(p, ":")
			if !ok {
				return fmt.Errorf("--pair %q: expected a:b", p)
			}
			ida, err := parseID(a, "user id")
			if err != nil {
				return fmt.Errorf("--pair %q: %w", p, err)
			}
			idb, err := parseID(b, "user id")
			if err != nil {
				return fmt.Errorf("--pair %q: %w", p, err)
			}
			srv.Connect(ida, idb)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		httpSrv := &http.Server{Addr: mockAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
		errc := make(chan error, 1)
		go func() { errc <- httpSrv.ListenAndServe() }()
		fmt.Fprintf(os.Stderr, "Mock backend listening on %s\n", mockAddr)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}

		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
