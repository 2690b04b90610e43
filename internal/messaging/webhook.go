package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Webhook headers.
const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

// DefaultWebhookTimeout bounds one webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookPayload is the JSON envelope posted to the webhook URL.
type WebhookPayload struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// WebhookPoster posts signed JSON payloads to a single URL.
type WebhookPoster struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookPoster creates a poster. An empty secret sends unsigned payloads.
func NewWebhookPoster(url, secret string, client *http.Client) *WebhookPoster {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &WebhookPoster{url: url, secret: secret, client: client}
}

// Post sends one event. Any non-2xx status is an error; retries are the caller's concern.
func (w *WebhookPoster) Post(ctx context.Context, event string, data any) error {
	body, err := json.Marshal(WebhookPayload{Event: event, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	if w.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	slog.Debug("WebhookPoster.Post: delivered", "event", event, "status", resp.StatusCode)
	return nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(SignPayload(payload, secret)))
}
