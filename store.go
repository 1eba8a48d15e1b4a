package maly

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Messaging Store
// ============================================================================

// Store owns the connection and the in-memory conversation and message cache
// of one logged-in user. It is safe for concurrent use.
type Store struct {
	client   *Client
	conn     *Connection
	config   *RealtimeConfig
	logger   *slog.Logger
	validate *validator.Validate
	pending  *pendingSends
	refresh  singleflight.Group

	mu            sync.Mutex
	userID        int64
	messages      []Message
	conversations []Conversation
	loading       map[Operation]bool
	errText       string

	listenersMu sync.RWMutex
	listeners   []func(Message)
}

// NewStore creates a store backed by client. A nil config uses the defaults.
func NewStore(client *Client, config *RealtimeConfig) *Store {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Logger == nil {
		cfg.Logger = client.logger
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(client.httpClient, client.authHeader())
	}

	s := &Store{
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		pending:  newPendingSends(),
		loading:  make(map[Operation]bool),
	}
	s.conn = NewConnection(client.SocketURL(), &cfg, s.dispatch)
	s.config = s.conn.config
	s.logger = s.config.Logger.With("component", "store")

	s.conn.OnStateChange(func(state ConnState) {
		if state == StateFailed {
			s.setError(ErrMaxReconnectsExceeded.Error())
		}
	})
	return s
}

// Conn returns the underlying connection.
func (s *Store) Conn() *Connection {
	return s.conn
}

// Connect opens the live socket for userID.
func (s *Store) Connect(userID int64) error {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()

	if err := s.conn.Connect(userID); err != nil {
		s.setError(err.Error())
		return err
	}
	return nil
}

// Disconnect closes the live socket and fails in-flight socket sends.
func (s *Store) Disconnect() {
	s.conn.Disconnect()
	s.pending.rejectAll(ErrNotConnected)
}

// OnNewMessage registers a handler for messages delivered by peers. Handlers
// run on the socket's read goroutine and must not block.
func (s *Store) OnNewMessage(h func(Message)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, h)
	s.listenersMu.Unlock()
}

func (s *Store) emitNewMessage(msg Message) {
	s.listenersMu.RLock()
	handlers := append([]func(Message){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("new message handler panicked", "panic", r)
				}
			}()
			h(msg)
		}()
	}
}

// ============================================================================
// Inbound Dispatch
// ============================================================================

func (s *Store) dispatch(frame Frame) {
	switch f := frame.(type) {
	case PingFrame, PongFrame:
	case ConnectedFrame:
		s.setError("")
	case ConfirmationFrame:
		s.mu.Lock()
		s.messages = append(s.messages, f.Message)
		s.touchConversationLocked(f.Message.ReceiverID, f.Message)
		s.mu.Unlock()
		if !s.pending.settle(f.ClientID, sendResult{msg: f.Message}) {
			s.logger.Debug("confirmation without pending send", "client_id", f.ClientID, "message_id", f.Message.ID)
		}
	case ErrorFrame:
		s.setError(f.Message)
		err := &APIError{Message: f.Message, kind: ErrServerRejected}
		if !s.pending.settle(f.ClientID, sendResult{err: err}) {
			s.logger.Warn("server error", "message", f.Message)
		}
	case DeliveryFrame:
		s.mu.Lock()
		s.messages = append(s.messages, f.Message)
		userID := s.userID
		s.mu.Unlock()
		s.emitNewMessage(f.Message)
		s.refreshConversationsAsync(userID)
	}
}

// touchConversationLocked points the conversation with peerID at msg and
// reports whether one exists. New conversations only come from a list fetch.
func (s *Store) touchConversationLocked(peerID int64, msg Message) bool {
	for i := range s.conversations {
		if s.conversations[i].User.ID == peerID {
			s.conversations[i].LastMessage = msg
			return true
		}
	}
	return false
}

// refreshConversationsAsync re-reads the conversation list in the background.
// Concurrent refreshes for one user share a request.
func (s *Store) refreshConversationsAsync(userID int64) {
	if userID == 0 {
		return
	}
	go func() {
		_, err, _ := s.refresh.Do(strconv.FormatInt(userID, 10), func() (any, error) {
			convs, err := s.client.ListConversations(context.Background(), userID)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.conversations = convs
			s.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			s.logger.Warn("conversation refresh failed", "user_id", userID, "error", err)
			s.setError(err.Error())
		}
	}()
}

// ============================================================================
// Cache Operations
// ============================================================================

// FetchConversations replaces the conversation list with the server's view.
// On failure the previous list is kept.
func (s *Store) FetchConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	done := s.begin(OpFetchConversations, true)
	defer done()

	convs, err := s.client.ListConversations(ctx, userID)
	if err != nil {
		s.setError(err.Error())
		return nil, err
	}

	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	return append([]Conversation(nil), convs...), nil
}

// FetchMessages replaces the message list with the conversation between
// userID and otherID. When the users are not connected the error text is
// MsgNotConnected.
func (s *Store) FetchMessages(ctx context.Context, userID, otherID int64) ([]Message, error) {
	done := s.begin(OpFetchMessages, true)
	defer done()

	msgs, err := s.client.ListMessages(ctx, userID, otherID)
	if err != nil {
		if errors.Is(err, ErrAuthorizationDenied) {
			s.setError(MsgNotConnected)
		} else {
			s.setError(err.Error())
		}
		return nil, err
	}

	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	return append([]Message(nil), msgs...), nil
}

// MarkAsRead marks one message read. Read flags are never cleared, and only
// messages received by the local user are touched.
func (s *Store) MarkAsRead(ctx context.Context, messageID int64) error {
	done := s.begin(OpMarkAsRead, true)
	defer done()

	if _, err := s.client.MarkRead(ctx, messageID); err != nil {
		s.setError(err.Error())
		return err
	}

	s.mu.Lock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID == messageID && (s.userID == 0 || m.ReceiverID == s.userID) {
			m.Read = true
		}
	}
	s.mu.Unlock()
	return nil
}

// MarkAllAsRead marks every message received by userID read and zeroes every
// conversation's unread counter.
func (s *Store) MarkAllAsRead(ctx context.Context, userID int64) error {
	done := s.begin(OpMarkAllAsRead, true)
	defer done()

	if err := s.client.MarkAllRead(ctx, userID); err != nil {
		s.setError(err.Error())
		return err
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ReceiverID == userID {
			s.messages[i].Read = true
		}
	}
	for i := range s.conversations {
		s.conversations[i].UnreadCount = 0
	}
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Messages returns a copy of the message list.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

// ErrorText returns the user-visible error text, empty when there is none.
func (s *Store) ErrorText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errText
}

// ClearError resets the error text.
func (s *Store) ClearError() {
	s.setError("")
}

// Loading reports whether op is in flight.
func (s *Store) Loading(op Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading[op]
}

// Snapshot returns a consistent copy of the whole store.
func (s *Store) Snapshot() State {
	state := s.conn.State()

	s.mu.Lock()
	defer s.mu.Unlock()
	loading := make(map[Operation]bool, len(s.loading))
	for op, v := range s.loading {
		loading[op] = v
	}
	return State{
		UserID:        s.userID,
		Messages:      append([]Message(nil), s.messages...),
		Conversations: append([]Conversation(nil), s.conversations...),
		Connection:    state,
		Loading:       loading,
		Error:         s.errText,
	}
}

func (s *Store) setError(text string) {
	s.mu.Lock()
	s.errText = text
	s.mu.Unlock()
}

// begin marks op as loading and returns the function that clears it.
func (s *Store) begin(op Operation, clearErr bool) func() {
	s.mu.Lock()
	s.loading[op] = true
	if clearErr {
		s.errText = ""
	}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.loading, op)
		s.mu.Unlock()
	}
}
