// Package venturelink is the Go client SDK for VentureLink chat.
//
// It covers the REST chat API and the realtime session: a reconnecting
// WebSocket connection, typed event dispatch, an ordered outbound queue and
// a conversation store that owns all conversation and message state.
//
// Example:
//
//	client := venturelink.NewClient(token, venturelink.WithBaseURL("https://api.venturelink.app"))
//	session := venturelink.NewSession(venturelink.Config{
//		URL:    client.RealtimeURL(),
//		SelfID: "user-1",
//	}, venturelink.StaticToken(token), client)
//	defer session.Close()
//
//	if err := session.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	session.Send(ctx, "conv-1", "Hello!", nil)
package venturelink

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
	DefaultBaseURL = "https://api.venturelink.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST chat API. It implements ChatAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
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

// NewClient creates a REST client authenticated with a bearer token.
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

// SetToken replaces the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the REST base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RealtimeURL returns the WebSocket endpoint that belongs to this API.
func (c *Client) RealtimeURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*Result, error) {
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

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 400 {
			return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: "request failed"}
	}
	return &result, nil
}

func decodeData[T any](r *Result) (*T, error) {
	var out T
	if err := r.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &out, nil
}

// ============================================================================
// Chat API Methods
// ============================================================================

// ListConversations returns every conversation visible to the caller.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	convs, err := decodeData[[]Conversation](res)
	if err != nil {
		return nil, err
	}
	return *convs, nil
}

// FetchHistory returns the page of messages older than cursor. An empty
// cursor asks for the newest page.
func (c *Client) FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) (*HistoryPage, error) {
	query := map[string]string{}
	if cursor != "" {
		query["before"] = cursor
	}
	if pageSize > 0 {
		query["limit"] = strconv.Itoa(pageSize)
	}
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	return decodeData[HistoryPage](res)
}

func (c *Client) CreateConversation(ctx context.Context, opts CreateConversationOptions) (*Conversation, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Conversation](res)
}

// SendMessage posts a message without going through the realtime session.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*ChatMessage, error) {
	payload := map[string]any{"content": content}
	if opts != nil {
		if opts.ReplyTo != "" {
			payload["replyTo"] = opts.ReplyTo
		}
		if len(opts.Attachments) > 0 {
			payload["attachments"] = opts.Attachments
		}
	}
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[ChatMessage](res)
}

func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	_, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string]any{"messageIds": messageIDs}, nil)
	return err
}
