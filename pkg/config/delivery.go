package config

import "time"

// RateLimitConfig holds per-minute token bucket sizes for the delivery engine.
// A zero value disables that bucket.
type RateLimitConfig struct {
	ProviderPerMinute int `yaml:"provider_per_minute"`
	TenantPerMinute   int `yaml:"tenant_per_minute"`
	DomainPerMinute   int `yaml:"domain_per_minute"`
}

// WarmupConfig caps total daily sends while a sending domain builds reputation.
type WarmupConfig struct {
	Enabled   bool `yaml:"enabled"`
	MaxPerDay int  `yaml:"max_per_day"`
}

// SMSProviderConfig points the SMS adapter at its gateway.
type SMSProviderConfig struct {
	// BaseURL is the gateway endpoint
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the env var holding the gateway API key
	APIKeyEnv string `yaml:"api_key_env"`

	// SenderID is the default alphanumeric or numeric sender
	SenderID string `yaml:"sender_id"`
}

// EmailProviderConfig points the email adapter at its API.
type EmailProviderConfig struct {
	// BaseURL is the provider endpoint
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the env var holding the provider API key
	APIKeyEnv string `yaml:"api_key_env"`

	// FromAddress is the default envelope sender
	FromAddress string `yaml:"from_address"`

	// FromName is the default display name
	FromName string `yaml:"from_name"`
}

// DeliveryConfig controls the multi-channel message delivery engine.
type DeliveryConfig struct {
	// QueueInterval is how often the worker loop scans for due messages.
	QueueInterval time.Duration `yaml:"queue_interval"`

	// BatchSize is the max messages claimed per scan.
	BatchSize int `yaml:"batch_size"`

	// MaxRetries is the transient-failure budget before a message is
	// marked failed and written to the dead letter queue.
	MaxRetries int `yaml:"max_retries"`

	// RetryBase seeds the exponential backoff schedule.
	RetryBase time.Duration `yaml:"retry_base"`

	// RetryMax caps a single backoff step.
	RetryMax time.Duration `yaml:"retry_max"`

	// RetryJitter is the upper bound of the random spread added to each step.
	RetryJitter time.Duration `yaml:"retry_jitter"`

	// SendTimeout bounds one provider send call.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// RateLimit holds the token bucket sizes.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Warmup caps daily sends when enabled.
	Warmup WarmupConfig `yaml:"warmup"`

	// SMS configures the SMS gateway adapter.
	SMS SMSProviderConfig `yaml:"sms"`

	// Email configures the email provider adapter.
	Email EmailProviderConfig `yaml:"email"`
}

// DefaultDeliveryConfig returns the built-in delivery engine defaults.
func DefaultDeliveryConfig() *DeliveryConfig {
	return &DeliveryConfig{
		QueueInterval: 5 * time.Second,
		BatchSize:     50,
		MaxRetries:    8,
		RetryBase:     30 * time.Second,
		RetryMax:      1 * time.Hour,
		RetryJitter:   5 * time.Second,
		SendTimeout:   30 * time.Second,
		RateLimit: RateLimitConfig{
			ProviderPerMinute: 600,
			TenantPerMinute:   120,
			DomainPerMinute:   60,
		},
		SMS: SMSProviderConfig{
			APIKeyEnv: "SMS_API_KEY",
		},
		Email: EmailProviderConfig{
			APIKeyEnv: "EMAIL_API_KEY",
		},
	}
}
