package api

import (
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/delivery"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/notify"
)

// AckResponse is the minimal success envelope for state-changing calls
// that return nothing else.
type AckResponse struct {
	OK bool `json:"ok"`
}

// CallResponse wraps one call. Replayed marks an idempotency-key hit.
type CallResponse struct {
	OK       bool         `json:"ok"`
	Call     *models.Call `json:"call"`
	Replayed bool         `json:"replayed,omitempty"`
}

// CallListResponse is one cursor page of calls.
type CallListResponse struct {
	OK         bool           `json:"ok"`
	Calls      []*models.Call `json:"calls"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// CallEventsResponse carries a replay slice of a call's event topic.
// Latest is the highest sequence in the slice, or the requested since
// value when the slice is empty; clients resume with since=Latest.
type CallEventsResponse struct {
	OK     bool            `json:"ok"`
	Events []*models.Event `json:"events"`
	Latest int64           `json:"latest"`
}

// TranscriptListResponse carries transcript entries ordered by seq.
type TranscriptListResponse struct {
	OK          bool                      `json:"ok"`
	Transcripts []*models.TranscriptEntry `json:"transcripts"`
}

// DigitEventListResponse carries a call's digit events. Raw digit values
// are already masked or withheld by the service under compliance mode.
type DigitEventListResponse struct {
	OK     bool                 `json:"ok"`
	Digits []*models.DigitEvent `json:"digit_events"`
}

// NotificationListResponse carries a call's fan-out deliveries.
type NotificationListResponse struct {
	OK            bool                   `json:"ok"`
	Notifications []*models.Notification `json:"notifications"`
}

// WebhookLogResponse carries the inbound carrier deliveries for a call.
type WebhookLogResponse struct {
	OK         bool                      `json:"ok"`
	Deliveries []*models.WebhookDelivery `json:"webhook_deliveries"`
}

// EnqueueResponse wraps a single-message enqueue outcome.
type EnqueueResponse struct {
	OK bool `json:"ok"`
	*delivery.EnqueueResult
}

// BulkEnqueueResponse wraps a bulk enqueue outcome.
type BulkEnqueueResponse struct {
	OK bool `json:"ok"`
	*delivery.BulkResult
}

// MessageResponse carries one message and its event log.
type MessageResponse struct {
	OK      bool                   `json:"ok"`
	Message *models.Message        `json:"message"`
	Events  []*models.MessageEvent `json:"events,omitempty"`
}

// MessageListResponse carries a filtered message listing.
type MessageListResponse struct {
	OK       bool              `json:"ok"`
	Messages []*models.Message `json:"messages"`
}

// BulkJobResponse carries one bulk job with its counters.
type BulkJobResponse struct {
	OK  bool            `json:"ok"`
	Job *models.BulkJob `json:"job"`
}

// BulkJobListResponse carries recent bulk jobs.
type BulkJobListResponse struct {
	OK   bool              `json:"ok"`
	Jobs []*models.BulkJob `json:"jobs"`
}

// SuppressionResponse carries one suppression row.
type SuppressionResponse struct {
	OK          bool                `json:"ok"`
	Suppression *models.Suppression `json:"suppression"`
}

// SuppressionListResponse carries a channel's suppression list.
type SuppressionListResponse struct {
	OK           bool                  `json:"ok"`
	Suppressions []*models.Suppression `json:"suppressions"`
}

// DeadLetterListResponse carries parked messages that exhausted retries.
type DeadLetterListResponse struct {
	OK          bool                 `json:"ok"`
	DeadLetters []*models.DeadLetter `json:"dead_letters"`
}

// DeliveryEventResponse acknowledges a vendor message-status callback.
// Ignored marks events for message ids this system never sent.
type DeliveryEventResponse struct {
	OK        bool                 `json:"ok"`
	Ignored   bool                 `json:"ignored,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty"`
}

// SubscriberResponse carries one notification subscriber.
type SubscriberResponse struct {
	OK         bool               `json:"ok"`
	Subscriber *models.Subscriber `json:"subscriber"`
}

// SubscriberListResponse carries all notification subscribers.
type SubscriberListResponse struct {
	OK          bool                 `json:"ok"`
	Subscribers []*models.Subscriber `json:"subscribers"`
}

// SessionResponse carries a minted SSE access token.
type SessionResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProvidersResponse is the system panel's adapter health snapshot.
type ProvidersResponse struct {
	OK        bool                     `json:"ok"`
	Order     []string                 `json:"order"`
	Providers []*models.ProviderHealth `json:"providers"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Version      string                 `json:"version"`
	Database     *database.HealthStatus `json:"database,omitempty"`
	DeliveryPool *delivery.PoolHealth   `json:"delivery_pool,omitempty"`
	NotifyPool   []notify.Health        `json:"notify_pool,omitempty"`
	Checks       map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one named probe inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
