// Package openstall provides the Go client for the Openstall marketplace
// messaging API.
//
// It covers the request/response surface plus the real-time conversation
// synchronization engine: a live websocket channel per conversation with
// automatic reconnection, optimistic sends with reconciliation, read
// receipts, and a transparent fallback to the REST API when the live
// channel is down.
//
// Example:
//
//	client := openstall.NewClient("tok-...")
//
//	sess := openstall.NewSession(client, "conv-42", "user-7", nil)
//	if err := sess.Open(ctx); err != nil { ... }
//	defer sess.Close()
//
//	sess.Send("is the bike still available?")
//	for snap := range sess.Updates() {
//		render(snap.Messages, snap.State)
//	}
package openstall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://openstall.app"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the Openstall API. It doubles as the
// fallback transport for the real-time engine.
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

// NewClient creates a new Openstall client. The token is the session
// credential issued by the marketplace; the client never mutates it.
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

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the credential the client authenticates with.
func (c *Client) Token() string {
	return c.token
}

// ============================================================================
// Internal request helper
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

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr APIError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations API
// ============================================================================

// ListConversations returns the viewer's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var convos []Conversation
	if err := json.Unmarshal(data, &convos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return convos, nil
}

// GetConversation fetches one conversation.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Conversation](data)
}

// GetMessages fetches the message history of a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	data, err := c.doRequest(ctx, "GET", "/api/conversations/"+conversationID+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	for i := range msgs {
		msgs[i].Delivery = DeliveryConfirmed
	}
	return msgs, nil
}

// PostMessage sends a message through the request/response path and returns
// the authoritative persisted copy.
func (c *Client) PostMessage(ctx context.Context, conversationID, content, clientID string) (*Message, error) {
	payload := map[string]string{"content": content}
	if clientID != "" {
		payload["client_id"] = clientID
	}
	data, err := c.doRequest(ctx, "POST", "/api/conversations/"+conversationID+"/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	msg, err := decodeJSON[Message](data)
	if err != nil {
		return nil, err
	}
	msg.Delivery = DeliveryConfirmed
	return msg, nil
}

// MarkMessageRead acknowledges a single message as read. The API has no
// batch endpoint, so callers fan out one call per message.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/messages/"+messageID+"/read", nil, nil)
	return err
}

// liveURL derives the websocket endpoint for a conversation from the API
// origin, upgrading the scheme.
func (c *Client) liveURL(conversationID string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/messages/ws/" + conversationID + "?token=" + url.QueryEscape(c.token)
}
