// Package remote is the HTTP client for the inbox server's message API.
package remote

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

	"github.com/matheus3301/inboxsync/internal/store"
	"go.uber.org/zap"
)

// Config configures the API client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls the inbox server's REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client. The timeout bounds every request, including the
// send attempts made during a drain pass.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SendRequest is the body of a message send. ExternalID is the idempotency
// key: the server returns the original message when it sees it again.
type SendRequest struct {
	ConversationID int64              `json:"conversationId"`
	Content        string             `json:"content"`
	IsInternal     bool               `json:"isInternal"`
	ReplyToID      *int64             `json:"replyToId,omitempty"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	ExternalID     string             `json:"externalId"`
}

// SendMessage posts an offline message, using its id as externalId, and
// returns the canonical server message.
func (c *Client) SendMessage(ctx context.Context, m *store.OfflineMessage) (*store.Message, error) {
	req := SendRequest{
		ConversationID: m.ConversationID,
		Content:        m.Content,
		IsInternal:     m.IsInternal,
		ReplyToID:      m.ReplyToID,
		Attachments:    m.Attachments,
		ExternalID:     m.ID,
	}
	var out store.Message
	path := fmt.Sprintf("/api/conversations/%d/messages", m.ConversationID)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, fmt.Errorf("send message %s: %w", m.ID, err)
	}
	if out.ID <= 0 {
		return nil, fmt.Errorf("send message %s: server returned no id", m.ID)
	}
	return &out, nil
}

// ListMessages fetches the latest messages of a conversation.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*store.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/conversations/%d/messages", conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*store.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages %d: %w", conversationID, err)
	}
	return out, nil
}

// Ping checks that the server is reachable. Any HTTP response counts,
// including 401 or a missing health route; only transport errors and
// timeouts are returned.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/api/health", nil, nil)
	if IsResponse(err) {
		c.logger.Debug("health check answered", zap.Error(err))
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("server base url not configured")
	}
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("api request", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or {"message": "..."} from an error body.
func errorMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
