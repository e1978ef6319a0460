// Package tessera implements the client-side live-sync and pagination core
// of the Tessera chat service.
//
// The package keeps a local cache of cursor-paginated message pages and chat
// summaries consistent with a reconnecting real-time event stream, while a
// scroll engine drives infinite-scroll fetching, scroll-position
// preservation, and jump-to-message anchoring.
//
// Example:
//
//	client := tessera.NewClient(token)
//	session := tessera.NewSession(client, selfID, nil)
//	if err := session.Start(ctx); err != nil {
//		return err
//	}
//	defer session.Stop()
//
//	view, err := session.OpenChat(ctx, chatID, viewport)
//	if err != nil {
//		return err
//	}
//	view.HandleScroll(ctx)
package tessera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://tessera.im"
	DefaultTimeout = 30 * time.Second

	// DefaultPageLimit is the page size requested when the caller does
	// not specify one.
	DefaultPageLimit = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client: the paginated fetch service, the message
// write operations, and the point lookups the sync core depends on.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Tessera client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken updates the auth token. The event channel reads it through
// Token on every (re)connect attempt, so rotation takes effect on the next
// attempt without rebuilding the client.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current auth token.
func (c *Client) Token() string {
	return c.token
}

// EventsURL returns the websocket URL of the event channel, without the
// token parameter (the channel appends a fresh one per attempt).
func (c *Client) EventsURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/events"
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs an enveloped request and unwraps the envelope error.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("request rejected: %s %s", method, path)
	}
	return result, nil
}

func fetchQuery(opts FetchOptions) map[string]string {
	q := map[string]string{}
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageLimit
	}
	q["limit"] = strconv.Itoa(opts.Limit)
	if opts.Cursor != "" {
		q["cursor"] = opts.Cursor
	}
	if opts.Direction != "" {
		q["direction"] = string(opts.Direction)
	}
	if opts.AroundMessageID != "" {
		q["around_message_id"] = opts.AroundMessageID
	}
	return q
}

// ============================================================================
// Paginated fetch service
// ============================================================================

// FetchMessages fetches one page of a chat's message history. Cursor
// semantics: next_cursor walks older, prev_cursor walks newer. Setting
// AroundMessageID requests a page centered on that message instead.
func (c *Client) FetchMessages(ctx context.Context, chatID string, opts FetchOptions) (*Page[Message], error) {
	data, err := c.doRequest(ctx, "GET", "/api/chats/"+chatID+"/messages", nil, fetchQuery(opts))
	if err != nil {
		return nil, err
	}
	return decodePage[Message](data)
}

// FetchChats fetches one page of the chat list, most-recently-active first.
func (c *Client) FetchChats(ctx context.Context, opts FetchOptions) (*Page[ChatSummary], error) {
	data, err := c.doRequest(ctx, "GET", "/api/chats", nil, fetchQuery(opts))
	if err != nil {
		return nil, err
	}
	return decodePage[ChatSummary](data)
}

func decodePage[T Entry](data []byte) (*Page[T], error) {
	result, err := decodeJSON[PageResult](data)
	if err != nil {
		return nil, err
	}
	page := &Page[T]{Meta: result.Meta}
	if result.Data != nil {
		if err := json.Unmarshal(result.Data, &page.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal page data: %w", err)
		}
	}
	return page, nil
}

// ============================================================================
// Point lookups
// ============================================================================

// GetChat fetches a single chat summary. Used when an event references a
// chat that is not cached yet.
func (c *Client) GetChat(ctx context.Context, chatID string) (*ChatSummary, error) {
	result, err := c.do(ctx, "GET", "/api/chats/"+chatID, nil, nil)
	if err != nil {
		return nil, err
	}
	var chat ChatSummary
	if err := result.Decode(&chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// GetUser fetches a single user profile.
func (c *Client) GetUser(ctx context.Context, userID string) (*UserProfile, error) {
	result, err := c.do(ctx, "GET", "/api/users/"+userID, nil, nil)
	if err != nil {
		return nil, err
	}
	var user UserProfile
	if err := result.Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ============================================================================
// Message writes
// ============================================================================

// SendOptions carries the optional parts of a message send.
type SendOptions struct {
	ReplyToID   string       `json:"replyToId,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendMessage posts a message and returns the authoritative server entry,
// which replaces any optimistic placeholder.
func (c *Client) SendMessage(ctx context.Context, chatID, content string, opts *SendOptions) (*Message, error) {
	payload := map[string]interface{}{"content": content}
	if opts != nil {
		if opts.ReplyToID != "" {
			payload["replyToId"] = opts.ReplyToID
		}
		if len(opts.Attachments) > 0 {
			payload["attachments"] = opts.Attachments
		}
	}
	result, err := c.do(ctx, "POST", "/api/chats/"+chatID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage patches a message's content and returns the updated entry.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID, content string) (*Message, error) {
	result, err := c.do(ctx, "PATCH", "/api/chats/"+chatID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chats/"+chatID+"/messages/"+messageID, nil, nil)
	return err
}

// MarkRead marks a chat as read up to its newest message.
func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.do(ctx, "POST", "/api/chats/"+chatID+"/read", nil, nil)
	return err
}
