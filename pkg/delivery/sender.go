package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/trunkline-io/trunkline/pkg/models"
)

// Sender delivers one message through a provider gateway and returns the
// provider's message ID for later event reconciliation.
type Sender interface {
	Channel() models.MessageChannel
	Send(ctx context.Context, msg *models.Message) (providerMessageID string, err error)
}

// ProviderError is a non-2xx response from a message gateway.
type ProviderError struct {
	Status int
	Code   string
	Detail string
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.Status, e.ErrorCode(), e.Detail)
	}
	return fmt.Sprintf("provider returned %d (%s)", e.Status, e.ErrorCode())
}

// ErrorCode is the stable code recorded on the message row.
func (e *ProviderError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("http_%d", e.Status)
}

// Transient reports whether the attempt is worth retrying.
func (e *ProviderError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// classifySendError maps a send failure to an error code for the message
// row and a retry decision. Rate limiting, provider outages, timeouts, and
// network errors retry; any other rejection is permanent.
func classifySendError(err error) (code string, transient bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.ErrorCode(), pe.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return "network", true
	}
	return "unknown", false
}

// gatewayError is the error envelope both gateways respond with.
type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// postJSON sends one JSON request to a gateway and decodes the response
// into out. Non-2xx responses become a ProviderError carrying whatever
// error code the gateway included.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return providerErrorFromResponse(resp)
	}
	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func providerErrorFromResponse(resp *http.Response) *ProviderError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	pe := &ProviderError{Status: resp.StatusCode}
	var ge gatewayError
	if json.Unmarshal(raw, &ge) == nil && ge.Error.Code != "" {
		pe.Code = ge.Error.Code
		pe.Detail = ge.Error.Message
		return pe
	}
	snippet := strings.TrimSpace(string(raw))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	pe.Detail = snippet
	return pe
}
