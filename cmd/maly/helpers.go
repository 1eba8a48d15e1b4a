package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	maly "github.com/maly-app/maly-go"
)

const defaultBaseURL = "http://localhost:5000"

// session is the resolved identity and client of one CLI invocation.
type session struct {
	userID int64
	client *maly.Client
}

// getSession builds a client from flags, environment and config, exiting
// when no user id is known.
func getSession() *session {
	baseURL, userID, token, err := resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if userID == 0 {
		fmt.Fprintln(os.Stderr, "No user id. Run 'maly init <user-id>' or set MALY_USER_ID.")
		os.Exit(1)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	opts := []maly.ClientOption{maly.WithLogger(slog.Default())}
	if token != "" {
		opts = append(opts, maly.WithToken(token))
	}
	return &session{userID: userID, client: maly.NewClient(baseURL, opts...)}
}

func (s *session) store() *maly.Store {
	return maly.NewStore(s.client, &maly.RealtimeConfig{Logger: slog.Default()})
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", what)
	}
	return id, nil
}

func displayName(u maly.UserSummary) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	default:
		return fmt.Sprintf("User %d", u.ID)
	}
}
