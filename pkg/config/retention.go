package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// CallRetentionDays is how many days to keep terminal calls and their
	// transitions before deletion.
	CallRetentionDays int `yaml:"call_retention_days"`

	// EventTTL is the maximum age of bus event rows for terminal calls.
	// SSE replay only needs recent history; this bounds the table.
	EventTTL time.Duration `yaml:"event_ttl"`

	// WebhookLogTTL is the maximum age of webhook dedupe log rows.
	WebhookLogTTL time.Duration `yaml:"webhook_log_ttl"`

	// DigitEventTTL is the maximum age of digit event rows. Digit material
	// is pruned well before its call row; compliance wants it gone once
	// the downstream system has consumed it.
	DigitEventTTL time.Duration `yaml:"digit_event_ttl"`

	// NotificationRetentionDays is how many days to keep sent and failed
	// notifications for analytics.
	NotificationRetentionDays int `yaml:"notification_retention_days"`

	// MessageRetentionDays is how many days to keep terminal messages.
	MessageRetentionDays int `yaml:"message_retention_days"`

	// MetricRetentionDays is how many days of daily counters to keep.
	MetricRetentionDays int `yaml:"metric_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CallRetentionDays:         365,
		EventTTL:                  24 * time.Hour,
		WebhookLogTTL:             24 * time.Hour,
		DigitEventTTL:             30 * 24 * time.Hour,
		NotificationRetentionDays: 30,
		MessageRetentionDays:      90,
		MetricRetentionDays:       400,
		CleanupInterval:           1 * time.Hour,
	}
}
