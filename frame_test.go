package maly

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

func TestParseFrame(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want Frame
	}{
		{name: "ping", in: `{"type":"ping"}`, want: PingFrame{}},
		{name: "pong", in: `{"type":"pong"}`, want: PongFrame{}},
		{
			name: "connected",
			in:   `{"type":"connected","message":"Connected as user 1"}`,
			want: ConnectedFrame{Message: "Connected as user 1"},
		},
		{
			name: "confirmation",
			in:   `{"type":"confirmation","clientId":"c1","message":{"id":99,"senderId":1,"receiverId":2,"content":"hi","createdAt":"2024-03-01T12:00:00Z"}}`,
			want: ConfirmationFrame{
				ClientID: "c1",
				Message:  Message{ID: 99, SenderID: 1, ReceiverID: 2, Content: "hi", CreatedAt: created},
			},
		},
		{
			name: "error",
			in:   `{"type":"error","message":"Users must be connected"}`,
			want: ErrorFrame{Message: "Users must be connected"},
		},
		{
			name: "error with object payload",
			in:   `{"type":"error","message":{"code":7}}`,
			want: ErrorFrame{Message: `{"code":7}`},
		},
		{
			name: "bare delivery",
			in:   `{"id":5,"senderId":2,"receiverId":1,"content":"yo","isRead":false,"sender":{"id":2,"displayName":"Ben"}}`,
			want: DeliveryFrame{Message: Message{
				ID: 5, SenderID: 2, ReceiverID: 1, Content: "yo",
				Sender: &UserSummary{ID: 2, DisplayName: "Ben"},
			}},
		},
		{
			name: "unknown type is a delivery",
			in:   `{"type":"typing","id":6,"senderId":2,"receiverId":1,"content":"x"}`,
			want: DeliveryFrame{Message: Message{ID: 6, SenderID: 2, ReceiverID: 1, Content: "x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tt.in))
			if err != nil {
				t.Fatalf("ParseFrame: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("frame mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	for _, in := range []string{``, `not json`, `[1,2]`, `{"type":"confirmation","message":"oops"}`} {
		if _, err := ParseFrame([]byte(in)); err == nil {
			t.Errorf("ParseFrame(%q): expected error", in)
		}
	}
}

func TestOutboundCommands(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{name: "connect", v: newConnectCommand(42), want: `{"type":"connect","userId":42}`},
		{name: "ping", v: keepalive, want: `{"type":"ping"}`},
		{
			name: "send",
			v:    sendCommand{SenderID: 1, ReceiverID: 2, Content: "hi", ClientID: "c1"},
			want: `{"senderId":1,"receiverId":2,"content":"hi","clientId":"c1"}`,
		},
		{
			name: "send without client id",
			v:    sendCommand{SenderID: 1, ReceiverID: 2, Content: "hi"},
			want: `{"senderId":1,"receiverId":2,"content":"hi"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.v)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("got %s, want %s", data, tt.want)
			}
		})
	}
}
