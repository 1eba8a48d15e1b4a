package maly_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	maly "github.com/maly-app/maly-go"
	"github.com/maly-app/maly-go/internal/mockserver"
)

func setup(t *testing.T) (*mockserver.Server, *httptest.Server) {
	t.Helper()
	srv := mockserver.New(slogt.New(t))
	srv.AddUser(maly.UserSummary{ID: 1, DisplayName: "Ana"})
	srv.AddUser(maly.UserSummary{ID: 2, DisplayName: "Ben"})
	srv.Connect(1, 2)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func newStore(t *testing.T, ts *httptest.Server) *maly.Store {
	t.Helper()
	client := maly.NewClient(ts.URL, maly.WithLogger(slogt.New(t)))
	s := maly.NewStore(client, &maly.RealtimeConfig{
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		SendTimeout:        2 * time.Second,
		Logger:             slogt.New(t),
	})
	t.Cleanup(s.Disconnect)
	return s
}

func open(t *testing.T, s *maly.Store, userID int64) {
	t.Helper()
	require.NoError(t, s.Connect(userID))
	require.Eventually(t, s.Conn().Connected, 3*time.Second, 5*time.Millisecond)
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("socket send confirms and delivers", func(t *testing.T) {
		srv, ts := setup(t)
		ana := newStore(t, ts)
		ben := newStore(t, ts)

		delivered := make(chan maly.Message, 1)
		ben.OnNewMessage(func(m maly.Message) { delivered <- m })

		open(t, ana, 1)
		open(t, ben, 2)
		require.Eventually(t, func() bool { return srv.OpenSockets(2) == 1 }, 3*time.Second, 5*time.Millisecond)

		before := len(ana.Messages())
		msg, err := ana.SendMessage(ctx, maly.SendRequest{SenderID: 1, ReceiverID: 2, Content: "hi"})
		require.NoError(t, err)
		require.Equal(t, "hi", msg.Content)

		msgs := ana.Messages()
		require.Len(t, msgs, before+1)
		require.Equal(t, msg.ID, msgs[len(msgs)-1].ID)

		select {
		case m := <-delivered:
			require.Equal(t, msg.ID, m.ID)
		case <-time.After(3 * time.Second):
			t.Fatal("message was not delivered")
		}
		require.Eventually(t, func() bool { return len(ben.Conversations()) == 1 }, 3*time.Second, 5*time.Millisecond)
		require.Equal(t, 1, ben.Conversations()[0].UnreadCount)

		require.NoError(t, ben.MarkAllAsRead(ctx, 2))
		require.Zero(t, ben.Conversations()[0].UnreadCount)
	})

	t.Run("socket send to stranger is rejected", func(t *testing.T) {
		_, ts := setup(t)
		ana := newStore(t, ts)
		open(t, ana, 1)

		_, err := ana.SendMessage(ctx, maly.SendRequest{SenderID: 1, ReceiverID: 3, Content: "hi"})
		require.ErrorIs(t, err, maly.ErrServerRejected)
		require.Empty(t, ana.Messages())
		require.Equal(t, mockserver.ErrNotConnectedText, ana.ErrorText())
	})

	t.Run("rest fallback", func(t *testing.T) {
		srv, ts := setup(t)
		ana := newStore(t, ts)

		msg, err := ana.SendMessage(ctx, maly.SendRequest{SenderID: 1, ReceiverID: 2, Content: "offline"})
		require.NoError(t, err)
		require.Len(t, srv.Messages(), 1)
		require.Equal(t, msg.ID, srv.Messages()[0].ID)

		// First message to a peer pulls the new conversation from the server.
		require.Eventually(t, func() bool { return len(ana.Conversations()) == 1 }, 3*time.Second, 5*time.Millisecond)

		msgs, err := ana.FetchMessages(ctx, 2, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.False(t, msgs[0].Read)
	})

	t.Run("fetch messages between strangers", func(t *testing.T) {
		_, ts := setup(t)
		ana := newStore(t, ts)

		_, err := ana.FetchMessages(ctx, 1, 3)
		require.ErrorIs(t, err, maly.ErrAuthorizationDenied)
		require.Equal(t, maly.MsgNotConnected, ana.ErrorText())
	})

	t.Run("server shutdown is an intentional close", func(t *testing.T) {
		srv, ts := setup(t)
		ana := newStore(t, ts)
		open(t, ana, 1)

		srv.Close()
		require.Eventually(t, func() bool { return ana.Conn().State() == maly.StateIdle }, 3*time.Second, 5*time.Millisecond)
		require.Equal(t, 0, ana.Conn().Attempts())
	})

	t.Run("reconnect reuses nothing stale", func(t *testing.T) {
		srv, ts := setup(t)
		ana := newStore(t, ts)
		open(t, ana, 1)
		require.Eventually(t, func() bool { return srv.OpenSockets(1) == 1 }, 3*time.Second, 5*time.Millisecond)

		ana.Disconnect()
		open(t, ana, 1)
		require.Eventually(t, func() bool { return srv.OpenSockets(1) == 1 }, 3*time.Second, 5*time.Millisecond)
	})
}
