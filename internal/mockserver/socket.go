package mockserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one socket. userID is zero until the socket identifies itself.
type client struct {
	conn   *websocket.Conn
	send   chan any
	done   chan struct{}
	once   sync.Once
	userID int64
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// push queues v for writing without blocking the caller.
func (c *client) push(v any) bool {
	select {
	case c.send <- v:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// hub tracks identified sockets by user.
type hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, clients: make(map[int64]map[*client]struct{})}
}

func (h *hub) add(userID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[userID] = set
	}
	set[c] = struct{}{}
}

func (h *hub) remove(userID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
}

func (h *hub) count(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// deliver sends v to every socket of userID.
func (h *hub) deliver(userID int64, v any) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.push(v) {
			h.logger.Warn("dropping delivery", "user_id", userID)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[int64]map[*client]struct{})
	h.mu.Unlock()

	for _, set := range all {
		for c := range set {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			c.stop()
			c.conn.Close()
		}
	}
}

// ============================================================================
// Frames
// ============================================================================

type inbound struct {
	Type       string `json:"type"`
	UserID     int64  `json:"userId"`
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId"`
}

type outbound struct {
	Type     string `json:"type"`
	Message  any    `json:"message,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// ============================================================================
// Socket Handler
// ============================================================================

func (s *Server) serveSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		conn: conn,
		send: make(chan any, 32),
		done: make(chan struct{}),
	}
	go s.writeLoop(cl)
	s.readLoop(cl)
}

func (s *Server) readLoop(cl *client) {
	defer func() {
		if cl.userID != 0 {
			s.hub.remove(cl.userID, cl)
			s.logger.Info("user disconnected", "user_id", cl.userID)
		}
		cl.stop()
		cl.conn.Close()
	}()

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket error", "user_id", cl.userID, "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			cl.push(outbound{Type: "error", Message: "invalid frame"})
			continue
		}
		s.handleFrame(cl, in)
	}
}

func (s *Server) handleFrame(cl *client, in inbound) {
	switch in.Type {
	case "connect":
		if in.UserID <= 0 {
			cl.push(outbound{Type: "error", Message: "invalid userId"})
			return
		}
		if cl.userID != 0 {
			s.hub.remove(cl.userID, cl)
		}
		cl.userID = in.UserID
		s.hub.add(in.UserID, cl)
		s.logger.Info("user connected", "user_id", in.UserID)
		cl.push(outbound{Type: "connected", Message: fmt.Sprintf("Connected as user %d", in.UserID)})
	case "ping":
		cl.push(outbound{Type: "pong"})
	case "pong":
	case "":
		s.handleSend(cl, in)
	default:
		cl.push(outbound{Type: "error", Message: "unknown frame type " + in.Type})
	}
}

func (s *Server) handleSend(cl *client, in inbound) {
	reject := func(text string) {
		cl.push(outbound{Type: "error", Message: text, ClientID: in.ClientID})
	}

	switch {
	case cl.userID == 0:
		reject("identify before sending")
		return
	case in.SenderID != cl.userID:
		reject("senderId does not match the connected user")
		return
	case in.ReceiverID <= 0 || in.Content == "":
		reject("receiverId and content are required")
		return
	case in.ReceiverID == in.SenderID:
		reject("cannot message yourself")
		return
	}

	msg, ok := s.store(in.SenderID, in.ReceiverID, in.Content)
	if !ok {
		reject(ErrNotConnectedText)
		return
	}
	cl.push(outbound{Type: "confirmation", Message: msg, ClientID: in.ClientID})
	s.hub.deliver(msg.ReceiverID, msg)
}

func (s *Server) writeLoop(cl *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return

		case v := <-cl.send:
			data, err := json.Marshal(v)
			if err != nil {
				s.logger.Error("encode frame", "error", err)
				continue
			}
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("write failed", "error", err)
				return
			}

		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
