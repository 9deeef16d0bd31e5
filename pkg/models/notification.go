package models

import (
	"encoding/json"
	"time"
)

// NotificationPriority orders fan-out delivery. Urgent drains first.
type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
	PriorityUrgent NotificationPriority = "urgent"
)

// priorityRank maps priorities to their queue ordering weight (higher first).
var priorityRank = map[NotificationPriority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the ordering weight of p, higher draining first.
func (p NotificationPriority) Rank() int {
	return priorityRank[p]
}

// Valid reports whether p is a known priority.
func (p NotificationPriority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Notification kinds, ordered by severity for the pending-queue tie-break.
const (
	NotificationCallFailed     = "call_failed"
	NotificationCallCompleted  = "call_completed"
	NotificationCallTranscript = "call_transcript"
	NotificationCallStarted    = "call_started"
	NotificationSLOViolation   = "call.slo_violation"
)

// kindSeverity breaks priority ties: failures before completions before
// transcript chatter. Unlisted kinds rank last.
var kindSeverity = map[string]int{
	NotificationCallFailed:     3,
	NotificationSLOViolation:   3,
	NotificationCallCompleted:  2,
	NotificationCallTranscript: 1,
}

// KindSeverity returns the tie-break weight for a notification kind.
func KindSeverity(kind string) int {
	return kindSeverity[kind]
}

// NotificationStatus is the delivery lifecycle of a notification.
type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "pending"
	NotificationSending  NotificationStatus = "sending"
	NotificationSent     NotificationStatus = "sent"
	NotificationFailed   NotificationStatus = "failed"
	NotificationRetrying NotificationStatus = "retrying"
)

// Notification is one at-least-once delivery of a call lifecycle event
// to a subscriber. Terminal on sent, or failed after max retries.
type Notification struct {
	ID                string               `json:"id"`
	CallSID           string               `json:"call_sid"`
	Kind              string               `json:"kind"`
	SubscriberID      string               `json:"subscriber_id"`
	Priority          NotificationPriority `json:"priority"`
	Status            NotificationStatus   `json:"status"`
	Payload           json.RawMessage      `json:"payload,omitempty"`
	RetryCount        int                  `json:"retry_count"`
	CreatedAt         time.Time            `json:"created_at"`
	NextAttemptAt     *time.Time           `json:"next_attempt_at,omitempty"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
	DeliveryMS        *int64               `json:"delivery_ms,omitempty"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
}

// Subscriber is a registered recipient of lifecycle notifications.
// MinPriority filters out lower-priority kinds at enqueue time.
type Subscriber struct {
	ID          string               `json:"id"`
	Channel     string               `json:"channel"` // "webhook" or "slack"
	Target      string               `json:"target"`  // URL or channel id
	MinPriority NotificationPriority `json:"min_priority"`
	CreatedAt   time.Time            `json:"created_at"`
}
