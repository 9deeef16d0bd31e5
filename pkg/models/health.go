package models

import "time"

// ProviderHealth is the persisted snapshot of one adapter's health tracker.
// The live copy is in-memory; this row survives restarts.
type ProviderHealth struct {
	Provider      string     `json:"provider"`
	ErrorCount    int        `json:"error_count_window"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Degraded      bool       `json:"degraded"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MetricCounter is one idempotently-incremented daily counter row.
type MetricCounter struct {
	Date    string `json:"date"` // YYYY-MM-DD (UTC)
	Kind    string `json:"kind"`
	Outcome string `json:"outcome,omitempty"`
	Count   int64  `json:"count"`
}

// UserSession is a short-lived token granting SSE access to the mini-app.
type UserSession struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
