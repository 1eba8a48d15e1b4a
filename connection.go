package maly

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the socket connection and the send coordinator.
type RealtimeConfig struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	SendTimeout          time.Duration
	Dialer               Dialer
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = NewWebsocketDialer(nil, nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is a state of the connection state machine.
type ConnState string

const (
	StateIdle       ConnState = "idle"
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosing    ConnState = "closing"
	StateBackoff    ConnState = "backoff"
	StateFailed     ConnState = "failed"
)

// ============================================================================
// Transport
// ============================================================================

// Socket is a live bidirectional connection. *websocket.Conn satisfies it.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type websocketDialer struct {
	options *websocket.DialOptions
}

// NewWebsocketDialer returns a Dialer backed by nhooyr.io/websocket.
func NewWebsocketDialer(httpClient *http.Client, header http.Header) Dialer {
	return &websocketDialer{options: &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: header,
	}}
}

func (d *websocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, d.options)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// reconnectDelay is the wait before the reconnect that follows the given
// number of failed attempts: min(base*2^attempts, max).
func reconnectDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts >= 30 {
		return max
	}
	d := base << attempts
	if d <= 0 || d > max {
		return max
	}
	return d
}

// ============================================================================
// Connection
// ============================================================================

// Connection keeps at most one live, identified socket per user session and
// reconnects with exponential backoff after abnormal closures.
type Connection struct {
	url     string
	config  *RealtimeConfig
	logger  *slog.Logger
	onFrame func(Frame)

	mu       sync.Mutex
	state    ConnState
	userID   int64
	socket   Socket
	attempts int
	gen      uint64
	cancel   context.CancelFunc
	backoff  *time.Timer
	err      error

	obsMu          sync.RWMutex
	onState        []func(ConnState)
	onReconnecting []func(int, time.Duration)
}

// NewConnection creates an idle connection to url. Every inbound frame is
// passed to onFrame in arrival order.
func NewConnection(url string, config *RealtimeConfig, onFrame func(Frame)) *Connection {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Connection{
		url:     url,
		config:  &cfg,
		logger:  cfg.Logger.With("component", "connection"),
		onFrame: onFrame,
		state:   StateIdle,
	}
}

// OnStateChange registers a handler for state transitions.
func (c *Connection) OnStateChange(h func(ConnState)) {
	c.obsMu.Lock()
	c.onState = append(c.onState, h)
	c.obsMu.Unlock()
}

// OnReconnecting registers a handler called when a reconnect is scheduled.
func (c *Connection) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.obsMu.Lock()
	c.onReconnecting = append(c.onReconnecting, h)
	c.obsMu.Unlock()
}

func (c *Connection) emitState(s ConnState) {
	c.obsMu.RLock()
	handlers := append([]func(ConnState){}, c.onState...)
	c.obsMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *Connection) emitReconnecting(attempt int, delay time.Duration) {
	c.obsMu.RLock()
	handlers := append([]func(int, time.Duration){}, c.onReconnecting...)
	c.obsMu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether an identified socket is open.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen && c.socket != nil
}

// Attempts returns the reconnect attempt counter.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Err returns the connection error, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// UserID returns the user the connection was last opened for.
func (c *Connection) UserID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect opens a socket for userID. It returns immediately; the outcome is
// observed through State and the registered handlers. An open socket for the
// same user is reused. Connect fails with ErrMaxReconnectsExceeded once the
// attempt counter has reached the maximum; Disconnect resets it.
func (c *Connection) Connect(userID int64) error {
	c.mu.Lock()
	if c.state == StateOpen && c.socket != nil && c.userID == userID {
		c.mu.Unlock()
		return nil
	}

	release := c.teardownLocked("reconnecting")

	if c.attempts >= c.config.MaxReconnectAttempts {
		c.state = StateFailed
		c.err = ErrMaxReconnectsExceeded
		attempts := c.attempts
		c.mu.Unlock()
		release()
		c.logger.Error("giving up on socket", "attempts", attempts)
		c.emitState(StateFailed)
		return ErrMaxReconnectsExceeded
	}

	ctx, gen := c.dialLocked(userID)
	c.mu.Unlock()

	release()
	c.emitState(StateConnecting)
	go c.run(ctx, gen, userID)
	return nil
}

// dialLocked moves to connecting for userID and returns the context and
// generation the dial goroutine runs under.
func (c *Connection) dialLocked(userID int64) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.userID = userID
	c.state = StateConnecting
	c.cancel = cancel
	return ctx, c.gen
}

// Disconnect closes the socket, cancels any pending reconnect and resets the
// attempt counter. It is safe to call when already disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle && c.socket == nil && c.backoff == nil {
		c.attempts = 0
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	release := c.teardownLocked("client disconnect")
	c.mu.Unlock()

	c.emitState(StateClosing)
	release()

	c.mu.Lock()
	c.state = StateIdle
	c.attempts = 0
	c.err = nil
	c.mu.Unlock()

	c.logger.Info("socket disconnected")
	c.emitState(StateIdle)
}

// Send writes v as a JSON text frame on the open socket.
func (c *Connection) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	sock := c.socket
	open := c.state == StateOpen
	c.mu.Unlock()

	if sock == nil || !open {
		return ErrNotConnected
	}
	return c.write(ctx, sock, v)
}

// teardownLocked invalidates the current socket generation and stops the
// pending reconnect timer. The returned func closes the old socket normally
// and cancels its goroutines; call it after releasing c.mu.
func (c *Connection) teardownLocked(reason string) func() {
	c.gen++
	if c.backoff != nil {
		c.backoff.Stop()
		c.backoff = nil
	}
	sock, cancel := c.socket, c.cancel
	c.socket, c.cancel = nil, nil

	return func() {
		if sock != nil {
			if err := sock.Close(websocket.StatusNormalClosure, reason); err != nil {
				c.logger.Debug("closing socket", "error", err)
			}
		}
		if cancel != nil {
			cancel()
		}
	}
}

func (c *Connection) write(ctx context.Context, sock Socket, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return sock.Write(ctx, websocket.MessageText, data)
}

func (c *Connection) run(ctx context.Context, gen uint64, userID int64) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	sock, err := c.config.Dialer.Dial(dialCtx, c.url)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("socket dial failed", "url", c.url, "error", err)
		c.handleClose(gen, websocket.StatusAbnormalClosure)
		return
	}

	if !c.adopt(gen, sock) {
		sock.Close(websocket.StatusNormalClosure, "superseded")
		return
	}

	identifyCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	err = c.write(identifyCtx, sock, newConnectCommand(userID))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("identification failed", "user_id", userID, "error", err)
		sock.Close(websocket.StatusInternalError, "identification failed")
		c.handleClose(gen, websocket.StatusAbnormalClosure)
		return
	}

	if !c.markOpen(gen) {
		return
	}

	go c.heartbeat(ctx, gen, sock)
	c.readLoop(ctx, gen, sock)
}

func (c *Connection) adopt(gen uint64, sock Socket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.socket = sock
	return true
}

func (c *Connection) markOpen(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state = StateOpen
	c.attempts = 0
	c.err = nil
	userID := c.userID
	c.mu.Unlock()

	c.logger.Info("socket open", "user_id", userID)
	c.emitState(StateOpen)
	return true
}

func (c *Connection) isCurrentOpen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.state == StateOpen
}

func (c *Connection) readLoop(ctx context.Context, gen uint64, sock Socket) {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := websocket.CloseStatus(err)
			if code == -1 {
				c.logger.Warn("socket error", "error", err)
				code = websocket.StatusAbnormalClosure
			}
			c.handleClose(gen, code)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Connection) heartbeat(ctx context.Context, gen uint64, sock Socket) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isCurrentOpen(gen) {
				return
			}
			if err := c.write(ctx, sock, keepalive); err != nil {
				c.logger.Warn("keepalive failed", "error", err)
				return
			}
			c.logger.Debug("keepalive sent")
		}
	}
}

// handleClose applies the close rules: 1000/1001 end the session quietly,
// anything else schedules a reconnect until the attempt budget is spent.
// The budget counts reconnects: every announced attempt dials, and the
// abnormal close of the last one is terminal.
func (c *Connection) handleClose(gen uint64, code websocket.StatusCode) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.socket = nil

	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		c.state = StateIdle
		c.attempts = 0
		c.mu.Unlock()
		c.logger.Info("socket closed", "code", int(code))
		c.emitState(StateIdle)
		return
	}

	if c.attempts >= c.config.MaxReconnectAttempts {
		c.state = StateFailed
		c.err = ErrMaxReconnectsExceeded
		c.mu.Unlock()
		c.logger.Error("giving up on socket", "code", int(code))
		c.emitState(StateFailed)
		return
	}

	delay := reconnectDelay(c.attempts, c.config.ReconnectBaseDelay, c.config.ReconnectMaxDelay)
	attempt := c.attempts + 1
	c.state = StateBackoff
	c.backoff = time.AfterFunc(delay, func() { c.retry(gen) })
	c.mu.Unlock()

	c.logger.Info("socket closed, reconnect scheduled", "code", int(code), "attempt", attempt, "delay", delay)
	c.emitState(StateBackoff)
	c.emitReconnecting(attempt, delay)
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateBackoff {
		c.mu.Unlock()
		return
	}
	c.backoff = nil
	c.attempts++
	c.gen++
	ctx, gen := c.dialLocked(c.userID)
	userID := c.userID
	attempt := c.attempts
	c.mu.Unlock()

	c.logger.Debug("reconnecting", "attempt", attempt)
	c.emitState(StateConnecting)
	go c.run(ctx, gen, userID)
}
