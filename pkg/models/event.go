package models

import (
	"encoding/json"
	"time"
)

// Event is one persisted bus event. ID is the monotonic sequence subscribers
// resume from with since=N; Topic scopes delivery (call.<sid>, inbound, ...).
type Event struct {
	ID        int64           `json:"sequence"`
	Topic     string          `json:"-"`
	Type      string          `json:"type"`
	CallSID   string          `json:"call_sid,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"ts"`
}

// WebhookDelivery records one inbound carrier webhook for dedupe and audit.
type WebhookDelivery struct {
	ID        int64     `json:"id"`
	Provider  string    `json:"provider"`
	CallSID   string    `json:"call_sid"`
	EventType string    `json:"event_type"`
	DedupeKey string    `json:"dedupe_key"`
	Duplicate bool      `json:"duplicate"`
	CreatedAt time.Time `json:"ts"`
}
