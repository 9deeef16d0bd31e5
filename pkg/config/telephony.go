// Package config provides configuration management for the Trunkline system,
// including telephony providers, digit capture, media streaming, notification
// fan-out, and the multi-channel delivery engine.
package config

import "time"

// OriginateRetryConfig bounds the dial-retry loop for outbound calls.
// Only transient carrier failures (network, 5xx, congestion) are retried.
type OriginateRetryConfig struct {
	// MaxAttempts is the total number of originate attempts per call.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the first retry delay; it doubles on each attempt.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff between attempts.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// MachineDetectionConfig controls answering-machine detection on outbound calls.
type MachineDetectionConfig struct {
	// Timeout is how long the carrier may spend classifying human vs machine.
	Timeout time.Duration `yaml:"timeout"`

	// Policy decides what to do when a machine answers.
	Policy MachinePolicy `yaml:"policy"`
}

// SLOConfig holds the tripwire thresholds that raise call.slo_violation events.
type SLOConfig struct {
	// FirstMediaTimeout is the max time between answer and the first media frame.
	FirstMediaTimeout time.Duration `yaml:"first_media_timeout"`

	// AnswerDelayMax is the max time between dial and answer.
	AnswerDelayMax time.Duration `yaml:"answer_delay_max"`

	// STTFailureLimit is the count of consecutive transcription failures
	// that trips the wire.
	STTFailureLimit int `yaml:"stt_failure_limit"`
}

// HealthConfig controls the per-adapter failure tracking that drives failover.
type HealthConfig struct {
	// Window is the rolling interval over which adapter errors are counted.
	Window time.Duration `yaml:"window"`

	// ErrorThreshold is the error count within Window that marks an
	// adapter degraded.
	ErrorThreshold int `yaml:"error_threshold"`

	// Cooldown is how long a degraded adapter is skipped before it is
	// probed again.
	Cooldown time.Duration `yaml:"cooldown"`
}

// TelephonyConfig contains call orchestration configuration.
type TelephonyConfig struct {
	// Provider is the name of the preferred telephony provider.
	Provider string `yaml:"provider"`

	// FromNumber is the default caller ID in E.164 format.
	FromNumber string `yaml:"from_number"`

	// DisableFailover pins all calls to the preferred provider. With
	// failover disabled, a degraded preferred provider rejects originates
	// instead of falling through to the next healthy adapter.
	DisableFailover bool `yaml:"disable_failover"`

	// MaxConcurrentCalls is the admission ceiling for simultaneously
	// active calls. Originates beyond the ceiling are rejected.
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// CallInboxSize bounds the per-call task inbox. Senders block (with
	// timeout) once it fills.
	CallInboxSize int `yaml:"call_inbox_size"`

	// AdapterTimeout is the hard deadline on every outbound provider HTTP call.
	AdapterTimeout time.Duration `yaml:"adapter_timeout"`

	// MediaTimeout is the hard deadline between carrier answer and the first
	// inbound media frame. Expiry fails the call with no_media. The softer
	// SLO.FirstMediaTimeout only raises a violation event.
	MediaTimeout time.Duration `yaml:"media_timeout"`

	// OriginateRetry bounds the dial-retry loop.
	OriginateRetry OriginateRetryConfig `yaml:"originate_retry"`

	// MachineDetection configures answering-machine handling.
	MachineDetection MachineDetectionConfig `yaml:"machine_detection"`

	// SLO holds the tripwire thresholds.
	SLO SLOConfig `yaml:"slo"`

	// Health controls adapter degradation tracking.
	Health HealthConfig `yaml:"health"`
}

// DefaultTelephonyConfig returns the built-in telephony defaults.
func DefaultTelephonyConfig() *TelephonyConfig {
	return &TelephonyConfig{
		Provider:           "twilio",
		MaxConcurrentCalls: 50,
		CallInboxSize:      128,
		AdapterTimeout:     10 * time.Second,
		MediaTimeout:       8 * time.Second,
		OriginateRetry: OriginateRetryConfig{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    60 * time.Second,
		},
		MachineDetection: MachineDetectionConfig{
			Timeout: 30 * time.Second,
			Policy:  MachinePolicyHangup,
		},
		SLO: SLOConfig{
			FirstMediaTimeout: 4 * time.Second,
			AnswerDelayMax:    12 * time.Second,
			STTFailureLimit:   3,
		},
		Health: HealthConfig{
			Window:         120 * time.Second,
			ErrorThreshold: 3,
			Cooldown:       60 * time.Second,
		},
	}
}
