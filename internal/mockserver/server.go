// Package mockserver is an in-memory messaging backend for local development
// and end-to-end tests. It serves the REST routes and the /ws/chat socket the
// client library talks to.
package mockserver

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	maly "github.com/maly-app/maly-go"
)

// ErrNotConnectedText is returned when two users without a connection try to
// exchange messages.
const ErrNotConnectedText = "Users must be connected to exchange messages"

type pair struct {
	a, b int64
}

func newPair(a, b int64) pair {
	if a > b {
		a, b = b, a
	}
	return pair{a, b}
}

// Server holds users, connections and messages in memory.
type Server struct {
	logger *slog.Logger
	engine *gin.Engine
	hub    *hub
	now    func() time.Time

	mu        sync.Mutex
	users     map[int64]maly.UserSummary
	connected map[pair]bool
	messages  []maly.Message
	nextID    int64
}

// New creates an empty server.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger.With("component", "mockserver"),
		now:       time.Now,
		users:     make(map[int64]maly.UserSummary),
		connected: make(map[pair]bool),
	}
	s.hub = newHub(s.logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.GET("/conversations/:userId", s.listConversations)
		api.GET("/messages/:userId/:otherId", s.listMessages)
		api.POST("/messages", s.createMessage)
		api.POST("/messages/:id/read", s.markRead)
		api.POST("/messages/read-all/:userId", s.markAllRead)
	}
	r.GET(maly.SocketPath, s.serveSocket)

	s.engine = r
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// AddUser registers a user profile.
func (s *Server) AddUser(u maly.UserSummary) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// Connect allows a and b to exchange messages.
func (s *Server) Connect(a, b int64) {
	s.mu.Lock()
	s.connected[newPair(a, b)] = true
	s.mu.Unlock()
}

// Messages returns every stored message in creation order.
func (s *Server) Messages() []maly.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]maly.Message(nil), s.messages...)
}

// OpenSockets returns how many identified sockets userID holds.
func (s *Server) OpenSockets(userID int64) int {
	return s.hub.count(userID)
}

// Close closes every socket with a going-away status.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}

// ============================================================================
// Domain
// ============================================================================

func (s *Server) userLocked(id int64) maly.UserSummary {
	if u, ok := s.users[id]; ok {
		return u
	}
	return maly.UserSummary{ID: id}
}

// store validates and records a message. ok is false when the users are not
// connected.
func (s *Server) store(senderID, receiverID int64, content string) (maly.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected[newPair(senderID, receiverID)] {
		return maly.Message{}, false
	}

	s.nextID++
	sender := s.userLocked(senderID)
	receiver := s.userLocked(receiverID)
	msg := maly.Message{
		ID:         s.nextID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  s.now().UTC(),
		Sender:     &sender,
		Receiver:   &receiver,
	}
	s.messages = append(s.messages, msg)
	return msg, true
}

func (s *Server) conversations(userID int64) []maly.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPeer := make(map[int64]*maly.Conversation)
	for _, m := range s.messages {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		peer := m.PeerOf(userID)
		conv, ok := byPeer[peer]
		if !ok {
			conv = &maly.Conversation{User: s.userLocked(peer)}
			byPeer[peer] = conv
		}
		conv.LastMessage = m
		if m.ReceiverID == userID && !m.Read {
			conv.UnreadCount++
		}
	}

	out := make([]maly.Conversation, 0, len(byPeer))
	for _, c := range byPeer {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.ID > out[j].LastMessage.ID
	})
	return out
}

// ============================================================================
// REST Handlers
// ============================================================================

type createMessageRequest struct {
	SenderID   int64  `json:"senderId" binding:"required"`
	ReceiverID int64  `json:"receiverId" binding:"required"`
	Content    string `json:"content" binding:"required"`
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (s *Server) listConversations(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.conversations(userID))
}

func (s *Server) listMessages(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}
	otherID, ok := pathID(c, "otherId")
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected[newPair(userID, otherID)] {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrNotConnectedText})
		return
	}
	out := make([]maly.Message, 0)
	for _, m := range s.messages {
		if newPair(m.SenderID, m.ReceiverID) == newPair(userID, otherID) {
			out = append(out, m)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "senderId, receiverId and content are required"})
		return
	}
	if req.SenderID == req.ReceiverID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot message yourself"})
		return
	}

	msg, ok := s.store(req.SenderID, req.ReceiverID, req.Content)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrNotConnectedText})
		return
	}
	s.hub.deliver(msg.ReceiverID, msg)
	c.JSON(http.StatusCreated, []maly.Message{msg})
}

func (s *Server) markRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Read = true
			c.JSON(http.StatusOK, s.messages[i])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
}

func (s *Server) markAllRead(c *gin.Context) {
	userID, ok := pathID(c, "userId")
	if !ok {
		return
	}

	s.mu.Lock()
	count := 0
	for i := range s.messages {
		if s.messages[i].ReceiverID == userID && !s.messages[i].Read {
			s.messages[i].Read = true
			count++
		}
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": count})
}
