package api

import (
	"github.com/trunkline-io/trunkline/pkg/models"
)

// OriginateCallRequest is the body of POST /api/v1/calls.
type OriginateCallRequest struct {
	To           string                 `json:"to"`
	From         string                 `json:"from,omitempty"`
	Prompt       string                 `json:"prompt,omitempty"`
	FirstMessage string                 `json:"first_message,omitempty"`
	Owner        string                 `json:"owner,omitempty"`
	Plan         *models.CollectionPlan `json:"plan,omitempty"`
}

// UpdateScriptRequest is the body of POST /api/v1/calls/:call_sid/script.
type UpdateScriptRequest struct {
	Prompt string `json:"prompt"`
}

// EndCallRequest is the body of POST /api/v1/calls/:call_sid/end.
type EndCallRequest struct {
	Reason string `json:"reason,omitempty"`
}

// StartPlanRequest is the body of POST /api/v1/calls/:call_sid/plan.
type StartPlanRequest struct {
	Plan *models.CollectionPlan `json:"plan"`
}

// AnswerInboundRequest is the body of POST /api/v1/inbound/:call_sid/answer.
type AnswerInboundRequest struct {
	Prompt       string `json:"prompt,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
}

// AddSuppressionRequest is the body of POST /api/v1/suppressions.
type AddSuppressionRequest struct {
	Address string `json:"address"`
	Channel string `json:"channel"`
	Reason  string `json:"reason,omitempty"`
}

// CreateSubscriberRequest is the body of POST /api/v1/subscribers.
type CreateSubscriberRequest struct {
	Channel     string `json:"channel"`
	Target      string `json:"target"`
	MinPriority string `json:"min_priority,omitempty"`
}

// CreateSessionRequest is the body of POST /api/v1/webapp/sessions.
type CreateSessionRequest struct {
	Subject string `json:"subject,omitempty"`
}

// DeliveryWebhookRequest is the vendor callback body for message status
// events. Vendors disagree on the id field name, so both spellings bind.
type DeliveryWebhookRequest struct {
	ProviderMessageID string `json:"provider_message_id"`
	MessageID         string `json:"message_id"`
	Event             string `json:"event"`
}

func (r *DeliveryWebhookRequest) id() string {
	if r.ProviderMessageID != "" {
		return r.ProviderMessageID
	}
	return r.MessageID
}
