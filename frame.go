package maly

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ============================================================================
// Inbound Frames
// ============================================================================

// Frame is one decoded server-to-client socket frame. The concrete type is one
// of PingFrame, PongFrame, ConnectedFrame, ConfirmationFrame, ErrorFrame or
// DeliveryFrame.
type Frame interface {
	frameType() string
}

// PingFrame is a server keepalive.
type PingFrame struct{}

// PongFrame answers a client keepalive.
type PongFrame struct{}

// ConnectedFrame confirms the identification sent on open.
type ConnectedFrame struct {
	Message string
}

// ConfirmationFrame confirms a message this session sent.
type ConfirmationFrame struct {
	Message  Message
	ClientID string
}

// ErrorFrame rejects the last operation of this session.
type ErrorFrame struct {
	Message  string
	ClientID string
}

// DeliveryFrame carries a new message from a peer.
type DeliveryFrame struct {
	Message Message
}

func (PingFrame) frameType() string         { return "ping" }
func (PongFrame) frameType() string         { return "pong" }
func (ConnectedFrame) frameType() string    { return "connected" }
func (ConfirmationFrame) frameType() string { return "confirmation" }
func (ErrorFrame) frameType() string        { return "error" }
func (DeliveryFrame) frameType() string     { return "delivery" }

type frameEnvelope struct {
	Type     string          `json:"type"`
	Message  json.RawMessage `json:"message"`
	ClientID string          `json:"clientId"`
}

// ParseFrame decodes a raw text frame. Frames without a known type are
// treated as bare message deliveries.
func ParseFrame(data []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case "ping":
		return PingFrame{}, nil
	case "pong":
		return PongFrame{}, nil
	case "connected":
		return ConnectedFrame{Message: rawText(env.Message)}, nil
	case "confirmation":
		var msg Message
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, fmt.Errorf("decode confirmation: %w", err)
		}
		return ConfirmationFrame{Message: msg, ClientID: env.ClientID}, nil
	case "error":
		return ErrorFrame{Message: rawText(env.Message), ClientID: env.ClientID}, nil
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return DeliveryFrame{Message: msg}, nil
}

// rawText returns a JSON string's value, or the raw JSON for any other shape.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ============================================================================
// Outbound Commands
// ============================================================================

type connectCommand struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

type pingCommand struct {
	Type string `json:"type"`
}

type sendCommand struct {
	SenderID   int64  `json:"senderId"`
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId,omitempty"`
}

func newConnectCommand(userID int64) connectCommand {
	return connectCommand{Type: "connect", UserID: userID}
}

var keepalive = pingCommand{Type: "ping"}
