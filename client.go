// Package chatsync keeps the conversations of a matching app in sync with
// its server.
//
// It merges the REST message history with the live push stream and with
// optimistic local sends into one ordered, duplicate-free log per
// conversation, and owns the lifecycle of the push connection.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	conn := client.Realtime(chatsync.RealtimeConfig{})
//	conn.Connect(ctx, chatsync.Credential{Identity: userID, Token: token})
//
//	session := chatsync.NewConversationSession(chatsync.SessionConfig{
//		Self: userID, Conn: conn, History: client, Directory: client,
//	})
//	session.Open(ctx, conversationID)
//	session.Send(ctx, "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST side of the chat backend. It implements
// HistoryFetcher and ConversationDirectory.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.log = logger }
}

var (
	_ HistoryFetcher        = (*Client)(nil)
	_ ConversationDirectory = (*Client)(nil)
)

// NewClient creates a REST client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after sign-in. It is safe to call
// while requests are in flight; they keep the token they started with.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSUrl returns the push endpoint derived from the base URL.
func (c *Client) WSUrl() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Realtime creates a ConnectionManager for this backend. An empty
// config.URL is filled from the base URL and a nil logger from the client's.
func (c *Client) Realtime(config RealtimeConfig) *ConnectionManager {
	if config.URL == "" {
		config.URL = c.WSUrl()
	}
	if config.Logger == nil {
		config.Logger = c.log
	}
	return NewConnectionManager(config)
}

// LoginResult is the response of a password sign-in.
type LoginResult struct {
	Token string      `json:"token"`
	User  Participant `json:"user"`
}

// Credential returns the (identity, token) pair for ConnectionManager.
func (r *LoginResult) Credential() Credential {
	return Credential{Identity: r.User.ID, Token: r.Token}
}

// Login signs in with a password and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, userID, password string) (*LoginResult, error) {
	var out LoginResult
	body := map[string]string{"userId": userID, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// FetchConversations lists the matches of the authenticated identity.
func (c *Client) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/matches", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHistory returns the stored messages of a conversation, oldest first.
// A non-participant gets an *APIError with status 403.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].DeliveryState == "" {
			out[i].DeliveryState = DeliveryConfirmed
		}
	}
	return out, nil
}

// ============================================================================
// Internal request helper
// ============================================================================

// apiResult is the response envelope of every REST endpoint.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	status, data, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	result, err := decodeJSON[apiResult](data)
	if err != nil {
		if status >= 300 {
			return &APIError{Status: status, Message: http.StatusText(status)}
		}
		return err
	}
	if status >= 300 || !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(status)}
		}
		apiErr.Status = status
		c.log.Debug("request failed", "method", method, "path", path, "status", status, "error", apiErr)
		return apiErr
	}
	if out == nil || len(result.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
