package mockserver

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	maly "github.com/maly-app/maly-go"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(slogt.New(t))
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

func post(t *testing.T, url string, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestREST(t *testing.T) {
	t.Run("create and list", func(t *testing.T) {
		_, ts := newTestServer(t)

		status, body := post(t, ts.URL+"/api/messages", `{"senderId":1,"receiverId":2,"content":"hi"}`)
		require.Equal(t, http.StatusCreated, status)

		var created []maly.Message
		require.NoError(t, json.Unmarshal(body, &created))
		require.Len(t, created, 1)
		require.Equal(t, int64(1), created[0].ID)
		require.Equal(t, "hi", created[0].Content)
		require.Equal(t, "Ana", created[0].Sender.DisplayName)

		status, body = get(t, ts.URL+"/api/messages/2/1")
		require.Equal(t, http.StatusOK, status)
		var msgs []maly.Message
		require.NoError(t, json.Unmarshal(body, &msgs))
		require.Len(t, msgs, 1)

		status, body = get(t, ts.URL+"/api/conversations/2")
		require.Equal(t, http.StatusOK, status)
		var convs []maly.Conversation
		require.NoError(t, json.Unmarshal(body, &convs))
		require.Len(t, convs, 1)
		require.Equal(t, int64(1), convs[0].User.ID)
		require.Equal(t, 1, convs[0].UnreadCount)
	})

	t.Run("not connected", func(t *testing.T) {
		_, ts := newTestServer(t)

		status, body := get(t, ts.URL+"/api/messages/1/3")
		require.Equal(t, http.StatusForbidden, status)
		require.Contains(t, string(body), ErrNotConnectedText)

		status, _ = post(t, ts.URL+"/api/messages", `{"senderId":1,"receiverId":3,"content":"hi"}`)
		require.Equal(t, http.StatusForbidden, status)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, ts := newTestServer(t)
		status, body := post(t, ts.URL+"/api/messages", `{"senderId":1,"receiverId":2}`)
		require.Equal(t, http.StatusBadRequest, status)
		require.Contains(t, string(body), "required")
	})

	t.Run("mark read", func(t *testing.T) {
		srv, ts := newTestServer(t)
		post(t, ts.URL+"/api/messages", `{"senderId":1,"receiverId":2,"content":"one"}`)
		post(t, ts.URL+"/api/messages", `{"senderId":1,"receiverId":2,"content":"two"}`)

		status, body := post(t, ts.URL+"/api/messages/1/read", "")
		require.Equal(t, http.StatusOK, status)
		var msg maly.Message
		require.NoError(t, json.Unmarshal(body, &msg))
		require.True(t, msg.Read)

		status, _ = post(t, ts.URL+"/api/messages/99/read", "")
		require.Equal(t, http.StatusNotFound, status)

		status, _ = post(t, ts.URL+"/api/messages/read-all/2", "")
		require.Equal(t, http.StatusOK, status)
		for _, m := range srv.Messages() {
			require.True(t, m.Read)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		_, ts := newTestServer(t)
		status, _ := get(t, ts.URL+"/api/conversations/abc")
		require.Equal(t, http.StatusBadRequest, status)
	})
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + maly.SocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestSocket(t *testing.T) {
	t.Run("identify and ping", func(t *testing.T) {
		srv, ts := newTestServer(t)
		conn := dial(t, ts)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","userId":1}`)))
		require.Equal(t, "connected", readFrame(t, conn)["type"])
		require.Equal(t, 1, srv.OpenSockets(1))

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
		require.Equal(t, "pong", readFrame(t, conn)["type"])
	})

	t.Run("send confirms and delivers", func(t *testing.T) {
		_, ts := newTestServer(t)
		ana := dial(t, ts)
		ben := dial(t, ts)

		require.NoError(t, ana.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","userId":1}`)))
		readFrame(t, ana)
		require.NoError(t, ben.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","userId":2}`)))
		readFrame(t, ben)

		require.NoError(t, ana.WriteMessage(websocket.TextMessage,
			[]byte(`{"senderId":1,"receiverId":2,"content":"hi","clientId":"abc"}`)))

		conf := readFrame(t, ana)
		require.Equal(t, "confirmation", conf["type"])
		require.Equal(t, "abc", conf["clientId"])

		delivered := readFrame(t, ben)
		require.NotContains(t, delivered, "type")
		require.Equal(t, "hi", delivered["content"])
	})

	t.Run("send to stranger is rejected", func(t *testing.T) {
		_, ts := newTestServer(t)
		conn := dial(t, ts)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connect","userId":1}`)))
		readFrame(t, conn)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"senderId":1,"receiverId":3,"content":"hi","clientId":"x"}`)))

		frame := readFrame(t, conn)
		require.Equal(t, "error", frame["type"])
		require.Equal(t, ErrNotConnectedText, frame["message"])
		require.Equal(t, "x", frame["clientId"])
	})

	t.Run("send before identify", func(t *testing.T) {
		_, ts := newTestServer(t)
		conn := dial(t, ts)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"senderId":1,"receiverId":2,"content":"hi"}`)))
		require.Equal(t, "error", readFrame(t, conn)["type"])
	})
}
