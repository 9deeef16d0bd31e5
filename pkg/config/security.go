package config

import "time"

// SecurityConfig holds control plane authentication settings.
type SecurityConfig struct {
	// APISecretEnv names the env var holding the shared HMAC secret.
	APISecretEnv string `yaml:"api_secret_env"`

	// HMACMaxSkew is the accepted clock drift between the client timestamp
	// in the Authorization header and server time.
	HMACMaxSkew time.Duration `yaml:"hmac_max_skew"`

	// NonceWindow is how long seen nonces are remembered for replay rejection.
	NonceWindow time.Duration `yaml:"nonce_window"`

	// SessionTTL is the lifetime of minted SSE access tokens.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// DefaultSecurityConfig returns the built-in security defaults.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		APISecretEnv: "API_SECRET",
		HMACMaxSkew:  300 * time.Second,
		NonceWindow:  10 * time.Minute,
		SessionTTL:   24 * time.Hour,
	}
}
