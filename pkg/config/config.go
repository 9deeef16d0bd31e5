package config

// Config is the umbrella configuration object that encapsulates
// all sections, registries, and configuration state.
// This is the primary object returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// Environment selects development or production behavior
	Environment Environment

	// PublicBaseURL is the externally reachable base URL carriers call
	// back into (webhooks, media stream WebSocket)
	PublicBaseURL string

	// WebAppURL is the mini-app base URL used in notification links
	WebAppURL string

	// Telephony holds call orchestration settings
	Telephony *TelephonyConfig

	// Providers is the telephony provider registry
	Providers *ProviderRegistry

	// Digits holds digit capture settings
	Digits *DigitsConfig

	// Stream holds media pump settings
	Stream *StreamConfig

	// Notify holds notification fan-out settings
	Notify *NotifyConfig

	// Delivery holds the message delivery engine settings
	Delivery *DeliveryConfig

	// Queue holds worker pool settings
	Queue *QueueConfig

	// Retention holds cleanup settings
	Retention *RetentionConfig

	// Security holds control plane auth settings
	Security *SecurityConfig
}

// Initialize is defined in loader.go

// Stats contains statistics about loaded configuration
type Stats struct {
	Providers       int
	PreferredFirst  string
	ComplianceMode  ComplianceMode
	FailoverEnabled bool
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Providers != nil {
		s.Providers = c.Providers.Len()
	}
	if c.Telephony != nil {
		s.PreferredFirst = c.Telephony.Provider
		s.FailoverEnabled = !c.Telephony.DisableFailover
	}
	if c.Digits != nil {
		s.ComplianceMode = c.Digits.ComplianceMode
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetProvider retrieves a provider configuration by name.
// This is a convenience method that wraps Providers.Get().
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.Providers.Get(name)
}

// ProviderOrder returns provider names in failover order: the preferred
// provider first, the rest by priority.
func (c *Config) ProviderOrder() []string {
	return c.Providers.Names(c.Telephony.Provider)
}

// IsProduction reports whether the process runs with production checks.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}
