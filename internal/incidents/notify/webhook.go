package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Channel delivers rendered notification content.
type Channel interface {
	Send(ctx context.Context, content string) error
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
}

type webhookText struct {
	Content string `json:"content"`
}

// WebhookChannel posts notifications as JSON to an HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(endpoint string) (*WebhookChannel, error) {
	if endpoint == "" {
		return nil, errors.New("webhook: empty url")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("webhook: invalid url %q", endpoint)
	}
	return &WebhookChannel{url: endpoint, client: &http.Client{Timeout: 5 * time.Second}}, nil
}

// WithTimeout sets the HTTP client timeout.
func (c *WebhookChannel) WithTimeout(timeout time.Duration) *WebhookChannel {
	if c != nil && timeout > 0 {
		c.client.Timeout = timeout
	}
	return c
}

// Send posts content to the webhook.
func (c *WebhookChannel) Send(ctx context.Context, content string) error {
	if c == nil {
		return errors.New("webhook: nil channel")
	}
	body, err := json.Marshal(webhookPayload{MsgType: "text", Text: webhookText{Content: content}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
