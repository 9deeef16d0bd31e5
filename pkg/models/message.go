package models

import (
	"encoding/json"
	"time"
)

// MessageChannel selects the delivery transport for a message.
type MessageChannel string

const (
	ChannelSMS   MessageChannel = "sms"
	ChannelEmail MessageChannel = "email"
)

// MessageStatus is the delivery lifecycle of an SMS or email message.
type MessageStatus string

const (
	MessageQueued     MessageStatus = "queued"
	MessageSending    MessageStatus = "sending"
	MessageSent       MessageStatus = "sent"
	MessageRetry      MessageStatus = "retry"
	MessageFailed     MessageStatus = "failed"
	MessageDelivered  MessageStatus = "delivered"
	MessageBounced    MessageStatus = "bounced"
	MessageComplained MessageStatus = "complained"
	MessageSuppressed MessageStatus = "suppressed"
)

// IsTerminal reports whether s admits no further worker transitions.
// Provider events may still advance sent → delivered/bounced/complained;
// those are forward-only reconciliations, not reopenings.
func (s MessageStatus) IsTerminal() bool {
	switch s {
	case MessageSent, MessageFailed, MessageDelivered, MessageBounced,
		MessageComplained, MessageSuppressed:
		return true
	}
	return false
}

// Message is one SMS or email delivery. Created via enqueue; transitions
// driven by the delivery worker and by provider events.
type Message struct {
	MessageID      string         `json:"message_id"`
	Channel        MessageChannel `json:"channel"`
	To             string         `json:"to"`
	From           string         `json:"from"`
	Subject        string         `json:"subject,omitempty"`
	HTML           string         `json:"html,omitempty"`
	Text           string         `json:"text,omitempty"`
	Body           string         `json:"body,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	TenantID       string         `json:"tenant_id,omitempty"`
	BulkJobID      string         `json:"bulk_job_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`

	Status            MessageStatus `json:"status"`
	RetryCount        int           `json:"retry_count"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`

	ScheduledAt   time.Time  `json:"scheduled_at"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`

	// Claim bookkeeping for the worker pool.
	PodID       string     `json:"-"`
	ClaimedAt   *time.Time `json:"-"`
	HeartbeatAt *time.Time `json:"-"`
}

// MessageFilters contains filtering options for listing messages.
type MessageFilters struct {
	Status    MessageStatus  `json:"status,omitempty"`
	Channel   MessageChannel `json:"channel,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	BulkJobID string         `json:"bulk_job_id,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// DeadLetter is a message parked after exhausting its retries, kept with a
// payload snapshot for manual inspection and replay.
type DeadLetter struct {
	ID        int64           `json:"id"`
	MessageID string          `json:"message_id"`
	Channel   MessageChannel  `json:"channel"`
	Recipient string          `json:"recipient"`
	ErrorCode string          `json:"error_code"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"ts"`
}

// MessageEvent is one append-only entry in a message's event log
// (queued, throttled, sent, delivered, bounced, suppressed, ...).
type MessageEvent struct {
	ID        int64          `json:"id"`
	MessageID string         `json:"message_id"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"ts"`
}

// Message event kinds.
const (
	MessageEventQueued     = "queued"
	MessageEventDeduped    = "deduped"
	MessageEventSuppressed = "suppressed"
	MessageEventThrottled  = "throttled"
	MessageEventSent       = "sent"
	MessageEventRetried    = "retried"
	MessageEventRequeued   = "requeued"
	MessageEventFailed     = "failed"
	MessageEventDelivered  = "delivered"
	MessageEventBounced    = "bounced"
	MessageEventComplained = "complained"
	MessageEventDeadLetter = "dead_letter"
)

// BulkJob aggregates the per-status counters of a bulk enqueue.
// Completed when queued+sending+sent reach zero remaining.
type BulkJob struct {
	JobID       string         `json:"job_id"`
	Channel     MessageChannel `json:"channel"`
	TemplateID  string         `json:"template_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Total       int            `json:"total"`
	Queued      int            `json:"queued"`
	Sending     int            `json:"sending"`
	Sent        int            `json:"sent"`
	Delivered   int            `json:"delivered"`
	Failed      int            `json:"failed"`
	Suppressed  int            `json:"suppressed"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// SuppressionReason explains why an address is suppressed.
type SuppressionReason string

const (
	SuppressionBounce    SuppressionReason = "bounce"
	SuppressionComplaint SuppressionReason = "complaint"
	SuppressionManual    SuppressionReason = "manual"
)

// Suppression forbids further delivery to an address until cleared.
type Suppression struct {
	Address   string            `json:"address"`
	Channel   MessageChannel    `json:"channel"`
	Reason    SuppressionReason `json:"reason"`
	Source    string            `json:"source,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// IdempotencyRecord pins an idempotency key to the message or job it
// produced and the hash of the request that produced it. Reuse with the
// same hash returns the prior result; a different hash is a conflict.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	MessageID   string    `json:"message_id,omitempty"`
	JobID       string    `json:"job_id,omitempty"`
	RequestHash string    `json:"request_hash"`
	CreatedAt   time.Time `json:"created_at"`
}
