package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// webhookEnvelope is the JSON body POSTed to webhook subscribers.
type webhookEnvelope struct {
	ID        string          `json:"id"`
	CallSID   string          `json:"call_sid"`
	Kind      string          `json:"kind"`
	Priority  string          `json:"priority"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WebhookChannel POSTs notification envelopes to the subscriber's URL.
// Any 2xx acknowledges. 408, 429 and 5xx are worth retrying; every other
// status is permanent.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel creates the webhook delivery channel. A nil client gets
// the default; per-attempt deadlines come from the caller's context.
func NewWebhookChannel(client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookChannel{client: client}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, sub *models.Subscriber, n *models.Notification) (string, error) {
	body, err := json.Marshal(webhookEnvelope{
		ID:        n.ID,
		CallSID:   n.CallSID,
		Kind:      n.Kind,
		Priority:  string(n.Priority),
		Attempt:   n.RetryCount + 1,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return "", Permanent(fmt.Errorf("encoding envelope: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Target, bytes.NewReader(body))
	if err != nil {
		return "", Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-Kind", n.Kind)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header.Get("X-Message-Id"), nil
	}

	err = fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, readSnippet(resp.Body))
	if retryableStatus(resp.StatusCode) {
		return "", err
	}
	return "", Permanent(err)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

// readSnippet returns the start of a response body for error messages.
func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
