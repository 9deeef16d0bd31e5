package config

import "time"

// SlackConfig holds resolved Slack notification configuration.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string // Env var name for Slack bot token (default: "SLACK_BOT_TOKEN")
	Channel  string // Slack channel ID (e.g., "C12345678")
}

// NotifyConfig controls the notification fan-out worker.
type NotifyConfig struct {
	// Batch is how many pending notifications a worker pulls per pass.
	Batch int `yaml:"batch"`

	// DeliveryTimeout bounds a single webhook or Slack delivery attempt.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`

	// MaxAttempts is the delivery budget before a notification is marked failed.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBase is the first retry delay; it doubles per attempt with jitter.
	RetryBase time.Duration `yaml:"retry_base"`

	// RetryMax caps the backoff between attempts.
	RetryMax time.Duration `yaml:"retry_max"`

	// Slack is resolved from the system section, not set in YAML here.
	Slack *SlackConfig `yaml:"-"`
}

// DefaultNotifyConfig returns the built-in fan-out defaults.
func DefaultNotifyConfig() *NotifyConfig {
	return &NotifyConfig{
		Batch:           20,
		DeliveryTimeout: 10 * time.Second,
		MaxAttempts:     3,
		RetryBase:       5 * time.Second,
		RetryMax:        60 * time.Second,
	}
}
