// Package client talks to a relay server: REST for conversations and history,
// WebSocket for chat turns.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RichardoC/padi-relay/internal/metrics"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/gorilla/websocket"
)

// ErrNoReply is returned by Chat when the model produced an empty reply. The
// server sends no done event in that case, so the client gives up after the
// reply timeout.
var ErrNoReply = errors.New("no reply received")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	replyTimeout time.Duration
}

// New creates a client. An empty baseURL falls back to RELAY_SERVER_URL and
// then http://localhost:8888; an empty token falls back to RELAY_TOKEN.
// RELAY_CLIENT_TIMEOUT overrides the REST request timeout.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("RELAY_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8888"
	}
	if token == "" {
		token = os.Getenv("RELAY_TOKEN")
	}

	timeout := 30 * time.Second
	if t := os.Getenv("RELAY_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: timeout},
		replyTimeout: 2 * time.Minute,
	}
}

// WithReplyTimeout sets how long Chat waits between events before giving up.
func (c *Client) WithReplyTimeout(d time.Duration) *Client {
	c.replyTimeout = d
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func (c *Client) CreateConversation(ctx context.Context, title, modelID, systemPrompt string) (*models.Conversation, error) {
	var resp struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title, "model_id": modelID, "system_prompt": systemPrompt}
	if err := c.do(ctx, http.MethodPost, "/api/conversations", body, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var resp struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var resp struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) UpdateConversation(ctx context.Context, id string, patch models.ConversationPatch) (*models.Conversation, error) {
	var resp struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := c.do(ctx, http.MethodPatch, "/api/conversations/"+url.PathEscape(id), patch, &resp); err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/conversations/"+url.PathEscape(id), nil, nil)
}

// =============================================================================
// HISTORY
// =============================================================================

// PageOptions selects one page of history. Zero values use the server defaults.
type PageOptions struct {
	PageSize        int
	Cursor          string
	TargetMessageID string
}

// Messages fetches one newest-first page.
func (c *Client) Messages(ctx context.Context, conversationID string, opts PageOptions) (*models.Page, error) {
	query := url.Values{}
	if opts.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.TargetMessageID != "" {
		query.Set("target_message_id", opts.TargetMessageID)
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var page models.Page
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// AllMessages follows next_page_token until the history is exhausted and
// returns every message oldest-first.
func (c *Client) AllMessages(ctx context.Context, conversationID string, pageSize int) ([]models.Message, error) {
	var newestFirst []models.Message
	opts := PageOptions{PageSize: pageSize}
	for {
		page, err := c.Messages(ctx, conversationID, opts)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, page.Messages...)
		if page.NextPageToken == nil {
			break
		}
		opts.Cursor = *page.NextPageToken
	}

	out := make([]models.Message, len(newestFirst))
	for i, msg := range newestFirst {
		out[len(newestFirst)-1-i] = msg
	}
	return out, nil
}

func (c *Client) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error) {
	var resp struct {
		Message *models.Message `json:"message"`
	}
	body := map[string]string{"role": string(role), "content": content}
	if err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", body, &resp); err != nil {
		return nil, err
	}
	return resp.Message, nil
}

func (c *Client) Search(ctx context.Context, conversationID, q string) ([]models.Message, error) {
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/search?q=" + url.QueryEscape(q)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// =============================================================================
// CHAT
// =============================================================================

type chatEvent struct {
	Type    string          `json:"type"`
	Message *models.Message `json:"message,omitempty"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// Chat runs one turn and returns the stored assistant message. The onFragment
// callback is invoked for each streamed fragment. Return an error from
// onFragment to abort.
func (c *Client) Chat(ctx context.Context, conversationID, content string, onFragment func(fragment string) error) (*models.Message, error) {
	wsEndpoint := c.baseURL
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket upgrade rejected"}
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	// Handle context cancellation in a separate goroutine
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(chatRequest{ConversationID: conversationID, Content: content}); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	for {
		// The server ends a turn with an empty model reply without any terminal
		// event, so only the deadline ends the wait in that case.
		if c.replyTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.replyTimeout))
		}

		var ev chatEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrNoReply
			}
			return nil, fmt.Errorf("read event: %w", err)
		}

		switch ev.Type {
		case "user":
			continue
		case "stream":
			if ev.Content != "" && onFragment != nil {
				if err := onFragment(ev.Content); err != nil {
					return nil, err
				}
			}
		case "done":
			return ev.Message, nil
		case "error":
			return nil, fmt.Errorf("turn failed: %s", ev.Error)
		default:
			// Ignore unknown event types
			continue
		}
	}
}
