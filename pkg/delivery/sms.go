package delivery

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// SMSSender posts messages to the SMS gateway's JSON API.
type SMSSender struct {
	client   *http.Client
	baseURL  string
	apiKey   string
	senderID string
}

// NewSMSSender creates the SMS gateway adapter. The API key is read from
// the env var named in cfg. Returns nil when no BaseURL is configured;
// leave unconfigured channels out of the pool.
func NewSMSSender(cfg config.SMSProviderConfig, client *http.Client) *SMSSender {
	if cfg.BaseURL == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{}
	}
	return &SMSSender{
		client:   client,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   os.Getenv(cfg.APIKeyEnv),
		senderID: cfg.SenderID,
	}
}

func (s *SMSSender) Channel() models.MessageChannel {
	return models.ChannelSMS
}

type smsSendRequest struct {
	To   string `json:"to"`
	From string `json:"from,omitempty"`
	Body string `json:"body"`
}

type smsSendResponse struct {
	MessageID string `json:"message_id"`
}

// Send submits one text and returns the gateway message ID.
func (s *SMSSender) Send(ctx context.Context, msg *models.Message) (string, error) {
	from := msg.From
	if from == "" {
		from = s.senderID
	}
	payload := smsSendRequest{To: msg.To, From: from, Body: msg.Body}

	var out smsSendResponse
	if err := postJSON(ctx, s.client, s.baseURL+"/v1/messages", s.apiKey, payload, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}
