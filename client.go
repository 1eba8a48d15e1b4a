// Package maly is the Go client for Maly direct messaging.
//
// It keeps one live socket per user session, reconnects with bounded
// exponential backoff, sends socket-first with a REST fallback and caches
// conversations and messages in memory.
//
// Example:
//
//	client := maly.NewClient("https://maly.example", maly.WithToken(token))
//	store := maly.NewStore(client, nil)
//
//	store.Connect(42)
//	defer store.Disconnect()
//
//	store.FetchConversations(ctx, 42)
//	msg, err := store.SendMessage(ctx, maly.SendRequest{SenderID: 42, ReceiverID: 7, Content: "hi"})
package maly

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const (
	DefaultTimeout = 30 * time.Second
	SocketPath     = "/ws/chat"
)

// ============================================================================
// Client
// ============================================================================

// Client speaks the messaging backend's REST contract.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	rest       *resty.Client
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.rest = resty.NewWithClient(c.httpClient)
	} else {
		c.rest = resty.New()
	}
	c.rest.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetLogger(restyLogger{c.logger.With("component", "rest")})
	if c.token != "" {
		c.rest.SetAuthToken(c.token)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SocketURL derives the socket endpoint from the base URL: wss when the base
// URL is https, ws otherwise.
func (c *Client) SocketURL() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return "ws://" + strings.TrimPrefix(c.baseURL, "//") + SocketPath
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: SocketPath}).String()
}

func (c *Client) authHeader() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// ============================================================================
// Internal request helper
// ============================================================================

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransportFailure, err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

// newAPIError turns a non-2xx response into an APIError. A body carrying an
// error or message field is a server rejection; anything else is a generic
// transport failure.
func newAPIError(status int, body []byte) *APIError {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	text := eb.Error
	if text == "" {
		text = eb.Message
	}
	if text == "" {
		return &APIError{
			Status:  status,
			Message: fmt.Sprintf("request failed with status %d", status),
			kind:    ErrTransportFailure,
		}
	}
	return &APIError{Status: status, Message: text, kind: ErrServerRejected}
}

func decodeJSON[T any](data []byte) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// ============================================================================
// REST API Methods
// ============================================================================

// ListConversations returns every conversation of userID.
func (c *Client) ListConversations(ctx context.Context, userID int64) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d", userID), nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Conversation](data)
}

// ListMessages returns the messages exchanged between userID and otherID. A
// 403 is reported as ErrAuthorizationDenied.
func (c *Client) ListMessages(ctx context.Context, userID, otherID int64) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/messages/%d/%d", userID, otherID), nil)
	if err != nil {
		if apiErr, ok := err.(*APIError); ok && apiErr.Status == http.StatusForbidden {
			apiErr.kind = ErrAuthorizationDenied
		}
		return nil, err
	}
	return decodeJSON[[]Message](data)
}

// CreateMessage posts a message. The backend answers with a list whose last
// element is the new message; a single object is accepted as well.
func (c *Client) CreateMessage(ctx context.Context, req SendRequest) ([]Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/messages", req)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		msg, err := decodeJSON[Message](data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}
	return decodeJSON[[]Message](data)
}

// MarkRead marks one message read and returns the updated message.
func (c *Client) MarkRead(ctx context.Context, messageID int64) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/messages/%d/read", messageID), nil)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkAllRead marks every message received by userID read.
func (c *Client) MarkAllRead(ctx context.Context, userID int64) error {
	_, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/api/messages/read-all/%d", userID), nil)
	return err
}

// ============================================================================
// Logging
// ============================================================================

// restyLogger routes resty's internal logging to slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
