package maly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Send Correlation
// ============================================================================

type sendResult struct {
	msg Message
	err error
}

// pendingSends tracks in-flight socket sends by client id. Frames that do not
// echo a client id settle the oldest send.
type pendingSends struct {
	mu    sync.Mutex
	byID  map[string]chan sendResult
	order []string
}

func newPendingSends() *pendingSends {
	return &pendingSends{byID: make(map[string]chan sendResult)}
}

func (p *pendingSends) add(id string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	p.mu.Lock()
	p.byID[id] = ch
	p.order = append(p.order, id)
	p.mu.Unlock()
	return ch
}

func (p *pendingSends) remove(id string) {
	p.mu.Lock()
	p.removeLocked(id)
	p.mu.Unlock()
}

func (p *pendingSends) removeLocked(id string) {
	delete(p.byID, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// take removes and returns the waiter for id. An empty id selects the oldest
// waiter; an unknown id selects none.
func (p *pendingSends) take(id string) (chan sendResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		if len(p.order) == 0 {
			return nil, false
		}
		id = p.order[0]
	}
	ch, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	p.removeLocked(id)
	return ch, true
}

func (p *pendingSends) settle(id string, res sendResult) bool {
	ch, ok := p.take(id)
	if !ok {
		return false
	}
	ch <- res
	return true
}

func (p *pendingSends) rejectAll(err error) {
	p.mu.Lock()
	waiters := p.byID
	p.byID = make(map[string]chan sendResult)
	p.order = nil
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- sendResult{err: err}
	}
}

func (p *pendingSends) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// ============================================================================
// Send Coordinator
// ============================================================================

// SendMessage sends req over the open socket, or over REST when no socket is
// open, and returns the stored message. Every call performs exactly one
// attempt.
//
// REST is used only when the socket was not open at write time. Once the
// frame is written the outcome comes from the socket alone: ErrConnectionTimeout
// when the server neither confirms nor rejects within the configured send
// timeout, ErrServerRejected on an error frame and ErrNotConnected when the
// socket goes away first. REST sends fail with ErrServerRejected or
// ErrTransportFailure. A failed send leaves the message list unchanged.
func (s *Store) SendMessage(ctx context.Context, req SendRequest) (Message, error) {
	if err := s.validate.Struct(req); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	done := s.begin(OpSendMessage, false)
	defer done()

	if s.conn.Connected() {
		msg, written, err := s.sendOverSocket(ctx, req)
		if written || !errors.Is(err, ErrNotConnected) {
			return msg, err
		}
		s.logger.Info("socket closed before send, falling back to REST", "receiver_id", req.ReceiverID)
	}
	return s.sendOverREST(ctx, req)
}

// sendOverSocket reports whether the frame was handed to the socket. Only an
// unwritten send may be retried over REST.
func (s *Store) sendOverSocket(ctx context.Context, req SendRequest) (Message, bool, error) {
	id := uuid.NewString()
	result := s.pending.add(id)

	cmd := sendCommand{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		ClientID:   id,
	}
	if err := s.conn.Send(ctx, cmd); err != nil {
		s.pending.remove(id)
		if errors.Is(err, ErrNotConnected) {
			return Message{}, false, err
		}
		s.logger.Warn("socket write failed", "client_id", id, "error", err)
		return Message{}, true, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	timer := time.NewTimer(s.config.SendTimeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.msg, true, res.err
	case <-timer.C:
		s.pending.remove(id)
		s.logger.Warn("send not confirmed", "client_id", id, "timeout", s.config.SendTimeout)
		return Message{}, true, fmt.Errorf("send to user %d: %w", req.ReceiverID, ErrConnectionTimeout)
	case <-ctx.Done():
		s.pending.remove(id)
		return Message{}, true, ctx.Err()
	}
}

func (s *Store) sendOverREST(ctx context.Context, req SendRequest) (Message, error) {
	msgs, err := s.client.CreateMessage(ctx, req)
	if err != nil {
		s.setError(err.Error())
		return Message{}, err
	}
	if len(msgs) == 0 {
		err := fmt.Errorf("%w: empty response to message create", ErrTransportFailure)
		s.setError(err.Error())
		return Message{}, err
	}
	last := msgs[len(msgs)-1]

	s.mu.Lock()
	s.messages = append(s.messages, msgs...)
	known := s.touchConversationLocked(req.ReceiverID, last)
	userID := s.userID
	s.mu.Unlock()

	if !known {
		if userID == 0 {
			userID = req.SenderID
		}
		s.refreshConversationsAsync(userID)
	}
	return last, nil
}
