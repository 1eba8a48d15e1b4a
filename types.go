package maly

import (
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrConnectionTimeout is returned when a socket send gets neither a
	// confirmation nor an error frame in time.
	ErrConnectionTimeout = errors.New("timed out waiting for server confirmation")
	// ErrServerRejected is returned when the server answers with an error
	// frame or a non-2xx response carrying a message.
	ErrServerRejected = errors.New("server rejected the request")
	// ErrTransportFailure is returned for network level failures.
	ErrTransportFailure = errors.New("transport failure")
	// ErrAuthorizationDenied is returned by FetchMessages on HTTP 403.
	ErrAuthorizationDenied = errors.New("users must be connected")
	// ErrMaxReconnectsExceeded is the terminal connection error.
	ErrMaxReconnectsExceeded = errors.New("unable to establish connection after multiple attempts")
	// ErrNotConnected is returned when no socket is open for a write, or when
	// the socket goes away before a written send is settled.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidRequest is returned when a send request misses required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// MsgNotConnected is the user-facing text recorded for ErrAuthorizationDenied.
const MsgNotConnected = "You need to connect with this user before exchanging messages."

// APIError is an error reported by the messaging backend.
type APIError struct {
	Status  int
	Message string

	kind error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// ============================================================================
// Data Types
// ============================================================================

// UserSummary is the denormalized user snippet embedded in messages and
// conversations.
type UserSummary struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Username    string `json:"username,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Message is one direct message between two users.
type Message struct {
	ID         int64        `json:"id"`
	SenderID   int64        `json:"senderId"`
	ReceiverID int64        `json:"receiverId"`
	Content    string       `json:"content"`
	CreatedAt  time.Time    `json:"createdAt"`
	Read       bool         `json:"isRead"`
	Sender     *UserSummary `json:"sender,omitempty"`
	Receiver   *UserSummary `json:"receiver,omitempty"`
}

// PeerOf returns the id of the other participant from userID's point of view.
func (m Message) PeerOf(userID int64) int64 {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is the latest-message view of a relationship with one peer.
type Conversation struct {
	User        UserSummary `json:"user"`
	LastMessage Message     `json:"lastMessage"`
	UnreadCount int         `json:"unreadCount,omitempty"`
}

// SendRequest is the payload of a send, on either transport.
type SendRequest struct {
	SenderID   int64  `json:"senderId" validate:"required"`
	ReceiverID int64  `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

// ============================================================================
// Store State
// ============================================================================

// Operation names a logical store operation for loading state.
type Operation string

const (
	OpFetchConversations Operation = "fetchConversations"
	OpFetchMessages      Operation = "fetchMessages"
	OpSendMessage        Operation = "sendMessage"
	OpMarkAsRead         Operation = "markAsRead"
	OpMarkAllAsRead      Operation = "markAllAsRead"
)

// State is a point-in-time copy of the store.
type State struct {
	UserID        int64
	Messages      []Message
	Conversations []Conversation
	Connection    ConnState
	Loading       map[Operation]bool
	Error         string
}
