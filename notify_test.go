package maly

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingRenderer struct {
	mu        sync.Mutex
	shown     []Notice
	dismissed []uint64
}

func (r *recordingRenderer) Show(n Notice) {
	r.mu.Lock()
	r.shown = append(r.shown, n)
	r.mu.Unlock()
}

func (r *recordingRenderer) Dismiss(id uint64) {
	r.mu.Lock()
	r.dismissed = append(r.dismissed, id)
	r.mu.Unlock()
}

func (r *recordingRenderer) snapshot() ([]Notice, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.shown...), append([]uint64(nil), r.dismissed...)
}

func TestNotifier(t *testing.T) {
	t.Run("self messages are ignored", func(t *testing.T) {
		r := &recordingRenderer{}
		n := NewNotifier(1, r, time.Hour)
		defer n.Close()

		n.Handle(Message{ID: 1, SenderID: 1, ReceiverID: 2, Content: "mine"})
		if shown, _ := r.snapshot(); len(shown) != 0 {
			t.Fatalf("expected no notice, got %+v", shown)
		}
	})

	t.Run("display name", func(t *testing.T) {
		r := &recordingRenderer{}
		n := NewNotifier(1, r, time.Hour)
		defer n.Close()

		n.Handle(Message{SenderID: 2, ReceiverID: 1, Content: "hi", Sender: &UserSummary{ID: 2, DisplayName: "Ben"}})
		shown, _ := r.snapshot()
		if len(shown) != 1 || shown[0].Title != "Ben" || shown[0].Body != "hi" {
			t.Fatalf("unexpected notice: %+v", shown)
		}
	})

	t.Run("fallback name", func(t *testing.T) {
		r := &recordingRenderer{}
		n := NewNotifier(1, r, time.Hour)
		defer n.Close()

		n.Handle(Message{SenderID: 7, ReceiverID: 1, Content: "hi", Sender: &UserSummary{ID: 7}})
		n.Handle(Message{SenderID: 8, ReceiverID: 1, Content: "hi"})
		shown, _ := r.snapshot()
		if shown[0].Title != "User 7" || shown[1].Title != "User 8" {
			t.Fatalf("unexpected titles: %q %q", shown[0].Title, shown[1].Title)
		}
	})

	t.Run("auto dismiss", func(t *testing.T) {
		r := &recordingRenderer{}
		n := NewNotifier(1, r, 10*time.Millisecond)

		n.Handle(Message{SenderID: 2, ReceiverID: 1, Content: "hi"})
		deadline := time.Now().Add(2 * time.Second)
		for {
			shown, dismissed := r.snapshot()
			if len(dismissed) == 1 {
				if dismissed[0] != shown[0].ID {
					t.Fatalf("dismissed %d, shown %d", dismissed[0], shown[0].ID)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("notice was never dismissed")
			}
			time.Sleep(time.Millisecond)
		}

		n.Close()
		if _, dismissed := r.snapshot(); len(dismissed) != 1 {
			t.Errorf("notice dismissed twice: %v", dismissed)
		}
	})
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "short", in: "hello", want: "hello"},
		{name: "exactly fifty", in: strings.Repeat("a", 50), want: strings.Repeat("a", 50)},
		{name: "long", in: strings.Repeat("a", 51), want: strings.Repeat("a", 50) + "..."},
		{name: "multibyte", in: strings.Repeat("é", 60), want: strings.Repeat("é", 50) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preview(tt.in); got != tt.want {
				t.Errorf("preview = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotifierAttach(t *testing.T) {
	d := &fakeDialer{}
	b := newFakeBackend()
	b.handle(routeConversations, 200, `[]`)
	s := newTestStore(t, b, d)

	var buf bytes.Buffer
	r := NewWriterRenderer(&buf)
	n := NewNotifier(1, r, time.Hour)
	defer n.Close()
	n.Attach(s)

	connectStore(t, s, 1)
	d.last().push(`{"id":1,"senderId":2,"receiverId":1,"content":"hello there","sender":{"id":2,"displayName":"Ben"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		out := buf.String()
		r.mu.Unlock()
		if out != "" {
			if out != "[Ben] hello there\n" {
				t.Fatalf("unexpected output %q", out)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no notice rendered")
		}
		time.Sleep(time.Millisecond)
	}
}
