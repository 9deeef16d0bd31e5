package delivery

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// EmailSender posts messages to the email provider's JSON API.
type EmailSender struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	fromAddress string
	fromName    string
}

// NewEmailSender creates the email provider adapter. The API key is read
// from the env var named in cfg. Returns nil when no BaseURL is configured;
// leave unconfigured channels out of the pool.
func NewEmailSender(cfg config.EmailProviderConfig, client *http.Client) *EmailSender {
	if cfg.BaseURL == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{}
	}
	return &EmailSender{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      os.Getenv(cfg.APIKeyEnv),
		fromAddress: cfg.FromAddress,
		fromName:    cfg.FromName,
	}
}

func (s *EmailSender) Channel() models.MessageChannel {
	return models.ChannelEmail
}

type emailSendRequest struct {
	To       string `json:"to"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	Subject  string `json:"subject"`
	HTML     string `json:"html,omitempty"`
	Text     string `json:"text,omitempty"`
}

type emailSendResponse struct {
	ID string `json:"id"`
}

// Send submits one email and returns the provider message ID.
func (s *EmailSender) Send(ctx context.Context, msg *models.Message) (string, error) {
	payload := emailSendRequest{
		To:      msg.To,
		From:    msg.From,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	if payload.From == "" {
		payload.From = s.fromAddress
		payload.FromName = s.fromName
	}

	var out emailSendResponse
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/send", s.apiKey, payload, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}
