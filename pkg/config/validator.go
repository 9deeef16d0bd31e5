package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: providers → telephony → digits → stream →
	// notifications → delivery → queue → retention → security.
	// Telephony references providers, so providers go first.

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateTelephony(); err != nil {
		return fmt.Errorf("telephony validation failed: %w", err)
	}

	if err := v.validateDigits(); err != nil {
		return fmt.Errorf("digits validation failed: %w", err)
	}

	if err := v.validateStream(); err != nil {
		return fmt.Errorf("stream validation failed: %w", err)
	}

	if err := v.validateNotify(); err != nil {
		return fmt.Errorf("notifications validation failed: %w", err)
	}

	if err := v.validateDelivery(); err != nil {
		return fmt.Errorf("delivery validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validateSecurity(); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateProviders() error {
	if v.cfg.Providers == nil || v.cfg.Providers.Len() == 0 {
		return NewValidationError("providers", "", "", fmt.Errorf("at least one provider required"))
	}

	for name, provider := range v.cfg.Providers.GetAll() {
		if !provider.Kind.IsValid() {
			return NewValidationError("provider", name, "kind", fmt.Errorf("invalid kind: %s", provider.Kind))
		}

		if !provider.WebhookValidation.IsValid() {
			return NewValidationError("provider", name, "webhook_validation", fmt.Errorf("invalid mode: %s", provider.WebhookValidation))
		}

		// Strict signature checks need the signing secret
		if provider.WebhookValidation == ValidationStrict && provider.SecretEnv == "" {
			return NewValidationError("provider", name, "secret_env", fmt.Errorf("required when webhook_validation is strict"))
		}

		if provider.FromNumber != "" && !e164Pattern.MatchString(provider.FromNumber) {
			return NewValidationError("provider", name, "from_number", fmt.Errorf("not E.164: %s", provider.FromNumber))
		}
	}

	return nil
}

func (v *ConfigValidator) validateTelephony() error {
	t := v.cfg.Telephony
	if t == nil {
		return NewValidationError("telephony", "", "", fmt.Errorf("telephony configuration is nil"))
	}

	if !v.cfg.Providers.Has(t.Provider) {
		return NewValidationError("telephony", "", "provider", fmt.Errorf("provider '%s' not found", t.Provider))
	}

	if t.FromNumber != "" && !e164Pattern.MatchString(t.FromNumber) {
		return NewValidationError("telephony", "", "from_number", fmt.Errorf("not E.164: %s", t.FromNumber))
	}
	if v.cfg.IsProduction() && t.FromNumber == "" {
		return NewValidationError("telephony", "", "from_number", fmt.Errorf("required in production (set FROM_NUMBER)"))
	}

	if t.MaxConcurrentCalls < 1 || t.MaxConcurrentCalls > 1000 {
		return NewValidationError("telephony", "", "max_concurrent_calls", fmt.Errorf("must be between 1 and 1000"))
	}

	if t.CallInboxSize < 16 || t.CallInboxSize > 4096 {
		return NewValidationError("telephony", "", "call_inbox_size", fmt.Errorf("must be between 16 and 4096"))
	}

	if t.AdapterTimeout <= 0 {
		return NewValidationError("telephony", "", "adapter_timeout", fmt.Errorf("must be positive"))
	}

	r := t.OriginateRetry
	if r.MaxAttempts < 1 || r.MaxAttempts > 10 {
		return NewValidationError("telephony", "", "originate_retry.max_attempts", fmt.Errorf("must be between 1 and 10"))
	}
	if r.BaseDelay <= 0 {
		return NewValidationError("telephony", "", "originate_retry.base_delay", fmt.Errorf("must be positive"))
	}
	if r.MaxDelay < r.BaseDelay {
		return NewValidationError("telephony", "", "originate_retry.max_delay", fmt.Errorf("must be >= base_delay"))
	}

	if !t.MachineDetection.Policy.IsValid() {
		return NewValidationError("telephony", "", "machine_detection.policy", fmt.Errorf("invalid policy: %s", t.MachineDetection.Policy))
	}

	s := t.SLO
	if s.FirstMediaTimeout <= 0 || s.AnswerDelayMax <= 0 {
		return NewValidationError("telephony", "", "slo", fmt.Errorf("timeouts must be positive"))
	}
	if s.STTFailureLimit < 1 {
		return NewValidationError("telephony", "", "slo.stt_failure_limit", fmt.Errorf("must be at least 1"))
	}

	h := t.Health
	if h.Window <= 0 || h.Cooldown <= 0 {
		return NewValidationError("telephony", "", "health", fmt.Errorf("window and cooldown must be positive"))
	}
	if h.ErrorThreshold < 1 {
		return NewValidationError("telephony", "", "health.error_threshold", fmt.Errorf("must be at least 1"))
	}

	return nil
}

func (v *ConfigValidator) validateDigits() error {
	d := v.cfg.Digits
	if d == nil {
		return NewValidationError("digits", "", "", fmt.Errorf("digits configuration is nil"))
	}

	if d.InterDigitTimeout <= 0 || d.OverallTimeout <= 0 || d.DedupeWindow <= 0 {
		return NewValidationError("digits", "", "", fmt.Errorf("timeouts must be positive"))
	}
	if d.OverallTimeout < d.InterDigitTimeout {
		return NewValidationError("digits", "", "overall_timeout", fmt.Errorf("must be >= inter_digit_timeout"))
	}
	if d.MaxRetries < 0 || d.MaxRetries > 10 {
		return NewValidationError("digits", "", "max_retries", fmt.Errorf("must be between 0 and 10"))
	}
	if !d.ComplianceMode.IsValid() {
		return NewValidationError("digits", "", "compliance_mode", fmt.Errorf("invalid mode: %s", d.ComplianceMode))
	}

	if d.ComplianceMode == ComplianceSafe {
		if d.EncryptionKeyEnv == "" {
			return NewValidationError("digits", "", "encryption_key_env", fmt.Errorf("required in safe mode"))
		}
		if v.cfg.IsProduction() && os.Getenv(d.EncryptionKeyEnv) == "" {
			return NewValidationError("digits", "", "encryption_key_env", fmt.Errorf("env var %s not set", d.EncryptionKeyEnv))
		}
	}
	if v.cfg.IsProduction() && d.ComplianceMode == ComplianceDevInsecure {
		return NewValidationError("digits", "", "compliance_mode", fmt.Errorf("dev_insecure not allowed in production"))
	}

	return nil
}

func (v *ConfigValidator) validateStream() error {
	s := v.cfg.Stream
	if s == nil {
		return NewValidationError("stream", "", "", fmt.Errorf("stream configuration is nil"))
	}

	if s.AudioTick <= 0 {
		return NewValidationError("stream", "", "audio_tick", fmt.Errorf("must be positive"))
	}
	if s.UserLevelThreshold <= 0 || s.UserLevelThreshold > 1 {
		return NewValidationError("stream", "", "user_level_threshold", fmt.Errorf("must be in (0, 1]"))
	}
	if s.UserHold <= 0 {
		return NewValidationError("stream", "", "user_hold", fmt.Errorf("must be positive"))
	}
	if s.ReorderWindow < 1 || s.ReorderWindow > 256 {
		return NewValidationError("stream", "", "reorder_window", fmt.Errorf("must be between 1 and 256"))
	}

	return nil
}

func (v *ConfigValidator) validateNotify() error {
	n := v.cfg.Notify
	if n == nil {
		return NewValidationError("notifications", "", "", fmt.Errorf("notifications configuration is nil"))
	}

	if n.Batch < 1 || n.Batch > 500 {
		return NewValidationError("notifications", "", "batch", fmt.Errorf("must be between 1 and 500"))
	}
	if n.MaxAttempts < 1 || n.MaxAttempts > 10 {
		return NewValidationError("notifications", "", "max_attempts", fmt.Errorf("must be between 1 and 10"))
	}
	if n.RetryBase <= 0 {
		return NewValidationError("notifications", "", "retry_base", fmt.Errorf("must be positive"))
	}
	if n.RetryMax < n.RetryBase {
		return NewValidationError("notifications", "", "retry_max", fmt.Errorf("must be >= retry_base"))
	}
	if n.DeliveryTimeout <= 0 {
		return NewValidationError("notifications", "", "delivery_timeout", fmt.Errorf("must be positive"))
	}

	if n.Slack != nil && n.Slack.Enabled && n.Slack.Channel == "" {
		return NewValidationError("notifications", "", "slack.channel", fmt.Errorf("required when slack is enabled"))
	}

	return nil
}

func (v *ConfigValidator) validateDelivery() error {
	d := v.cfg.Delivery
	if d == nil {
		return NewValidationError("delivery", "", "", fmt.Errorf("delivery configuration is nil"))
	}

	if d.QueueInterval < time.Second {
		return NewValidationError("delivery", "", "queue_interval", fmt.Errorf("must be at least 1s"))
	}
	if d.BatchSize < 1 || d.BatchSize > 500 {
		return NewValidationError("delivery", "", "batch_size", fmt.Errorf("must be between 1 and 500"))
	}
	if d.MaxRetries < 0 || d.MaxRetries > 20 {
		return NewValidationError("delivery", "", "max_retries", fmt.Errorf("must be between 0 and 20"))
	}
	if d.RetryBase <= 0 {
		return NewValidationError("delivery", "", "retry_base", fmt.Errorf("must be positive"))
	}
	if d.RetryMax < d.RetryBase {
		return NewValidationError("delivery", "", "retry_max", fmt.Errorf("must be >= retry_base"))
	}
	if d.SendTimeout <= 0 {
		return NewValidationError("delivery", "", "send_timeout", fmt.Errorf("must be positive"))
	}

	rl := d.RateLimit
	if rl.ProviderPerMinute < 0 || rl.TenantPerMinute < 0 || rl.DomainPerMinute < 0 {
		return NewValidationError("delivery", "", "rate_limit", fmt.Errorf("bucket sizes must not be negative"))
	}

	if d.Warmup.Enabled && d.Warmup.MaxPerDay < 1 {
		return NewValidationError("delivery", "", "warmup.max_per_day", fmt.Errorf("must be at least 1 when warmup is enabled"))
	}

	if d.Email.FromAddress != "" && !strings.Contains(d.Email.FromAddress, "@") {
		return NewValidationError("delivery", "", "email.from_address", fmt.Errorf("not an email address: %s", d.Email.FromAddress))
	}

	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return NewValidationError("queue", "", "", fmt.Errorf("queue configuration is nil"))
	}

	if q.DeliveryWorkerCount < 1 || q.DeliveryWorkerCount > 50 {
		return NewValidationError("queue", "", "delivery_worker_count", fmt.Errorf("must be between 1 and 50"))
	}
	if q.NotifyWorkerCount < 1 || q.NotifyWorkerCount > 50 {
		return NewValidationError("queue", "", "notify_worker_count", fmt.Errorf("must be between 1 and 50"))
	}
	if q.MaxInflight < 1 {
		return NewValidationError("queue", "", "max_inflight", fmt.Errorf("must be at least 1"))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "", "poll_interval", fmt.Errorf("must be positive"))
	}
	if q.PollIntervalJitter < 0 {
		return NewValidationError("queue", "", "poll_interval_jitter", fmt.Errorf("must not be negative"))
	}
	if q.HeartbeatInterval <= 0 {
		return NewValidationError("queue", "", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if q.OrphanThreshold <= q.HeartbeatInterval {
		return NewValidationError("queue", "", "orphan_threshold", fmt.Errorf("must be greater than heartbeat_interval"))
	}

	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return NewValidationError("retention", "", "", fmt.Errorf("retention configuration is nil"))
	}

	if r.CallRetentionDays < 1 || r.NotificationRetentionDays < 1 || r.MessageRetentionDays < 1 || r.MetricRetentionDays < 1 {
		return NewValidationError("retention", "", "", fmt.Errorf("retention days must be at least 1"))
	}
	if r.EventTTL <= 0 || r.WebhookLogTTL <= 0 || r.DigitEventTTL <= 0 || r.CleanupInterval <= 0 {
		return NewValidationError("retention", "", "", fmt.Errorf("TTLs and cleanup_interval must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateSecurity() error {
	s := v.cfg.Security
	if s == nil {
		return NewValidationError("security", "", "", fmt.Errorf("security configuration is nil"))
	}

	if s.APISecretEnv == "" {
		return NewValidationError("security", "", "api_secret_env", fmt.Errorf("required"))
	}
	if s.HMACMaxSkew < time.Second || s.HMACMaxSkew > time.Hour {
		return NewValidationError("security", "", "hmac_max_skew", fmt.Errorf("must be between 1s and 1h"))
	}
	if s.NonceWindow < s.HMACMaxSkew {
		return NewValidationError("security", "", "nonce_window", fmt.Errorf("must be >= hmac_max_skew"))
	}
	if s.SessionTTL <= 0 {
		return NewValidationError("security", "", "session_ttl", fmt.Errorf("must be positive"))
	}

	if v.cfg.IsProduction() && os.Getenv(s.APISecretEnv) == "" {
		return NewValidationError("security", "", "api_secret_env", fmt.Errorf("env var %s not set", s.APISecretEnv))
	}

	return nil
}
