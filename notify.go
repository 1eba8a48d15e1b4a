package maly

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	previewLength      = 50
	DefaultDismissTime = 5 * time.Second
)

// Notice is a transient alert for a newly delivered message.
type Notice struct {
	ID      uint64
	Title   string
	Body    string
	Message Message
}

// Renderer presents notices.
type Renderer interface {
	Show(n Notice)
	Dismiss(id uint64)
}

// Notifier turns delivered messages into notices for the local user. It holds
// no state beyond the dismiss timers of visible notices.
type Notifier struct {
	userID       int64
	renderer     Renderer
	dismissAfter time.Duration

	mu     sync.Mutex
	nextID uint64
	timers map[uint64]*time.Timer
}

// NewNotifier creates a notifier for userID. A zero dismissAfter uses
// DefaultDismissTime.
func NewNotifier(userID int64, renderer Renderer, dismissAfter time.Duration) *Notifier {
	if dismissAfter <= 0 {
		dismissAfter = DefaultDismissTime
	}
	return &Notifier{
		userID:       userID,
		renderer:     renderer,
		dismissAfter: dismissAfter,
		timers:       make(map[uint64]*time.Timer),
	}
}

// Attach subscribes the notifier to the store's delivered messages.
func (n *Notifier) Attach(s *Store) {
	s.OnNewMessage(n.Handle)
}

// Handle renders a notice for msg unless the local user sent it.
func (n *Notifier) Handle(msg Message) {
	if msg.SenderID == n.userID {
		return
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.timers[id] = time.AfterFunc(n.dismissAfter, func() { n.dismiss(id) })
	n.mu.Unlock()

	n.renderer.Show(Notice{
		ID:      id,
		Title:   senderName(msg),
		Body:    preview(msg.Content),
		Message: msg,
	})
}

func (n *Notifier) dismiss(id uint64) {
	n.mu.Lock()
	_, ok := n.timers[id]
	delete(n.timers, id)
	n.mu.Unlock()
	if ok {
		n.renderer.Dismiss(id)
	}
}

// Close dismisses every visible notice.
func (n *Notifier) Close() {
	n.mu.Lock()
	ids := make([]uint64, 0, len(n.timers))
	for id, t := range n.timers {
		t.Stop()
		ids = append(ids, id)
	}
	n.timers = make(map[uint64]*time.Timer)
	n.mu.Unlock()

	for _, id := range ids {
		n.renderer.Dismiss(id)
	}
}

func senderName(msg Message) string {
	if msg.Sender != nil && msg.Sender.DisplayName != "" {
		return msg.Sender.DisplayName
	}
	return fmt.Sprintf("User %d", msg.SenderID)
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewLength {
		return content
	}
	return string(r[:previewLength]) + "..."
}

// WriterRenderer prints notices as lines on w. Dismissals are not shown.
type WriterRenderer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterRenderer(w io.Writer) *WriterRenderer {
	return &WriterRenderer{w: w}
}

func (r *WriterRenderer) Show(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "[%s] %s\n", n.Title, n.Body)
}

func (r *WriterRenderer) Dismiss(uint64) {}
