package config

import "time"

// DigitsConfig controls the digit capture engine.
type DigitsConfig struct {
	// InterDigitTimeout is the grace period between key presses before
	// the engine reprompts.
	InterDigitTimeout time.Duration `yaml:"inter_digit_timeout"`

	// OverallTimeout bounds a whole capture attempt regardless of retries.
	OverallTimeout time.Duration `yaml:"overall_timeout"`

	// DedupeWindow suppresses a duplicate (call, digits) pair arriving on
	// the second source path (gather webhook vs speech) inside this window.
	DedupeWindow time.Duration `yaml:"dedupe_window"`

	// MaxRetries is the default reprompt budget when a plan step does not
	// set its own.
	MaxRetries int `yaml:"max_retries"`

	// ComplianceMode selects safe (encrypted at rest, masked on read) or
	// dev_insecure digit handling.
	ComplianceMode ComplianceMode `yaml:"compliance_mode"`

	// EncryptionKeyEnv names the env var holding the base64 AES key used
	// in safe mode.
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// DefaultDigitsConfig returns the built-in digit capture defaults.
func DefaultDigitsConfig() *DigitsConfig {
	return &DigitsConfig{
		InterDigitTimeout: 5 * time.Second,
		OverallTimeout:    30 * time.Second,
		DedupeWindow:      2 * time.Second,
		MaxRetries:        2,
		ComplianceMode:    ComplianceSafe,
		EncryptionKeyEnv:  "DTMF_ENCRYPTION_KEY",
	}
}
