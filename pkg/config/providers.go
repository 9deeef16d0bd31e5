package config

import (
	"fmt"
	"sort"
	"sync"
)

// ProviderConfig defines a telephony provider entry in providers.yaml.
// Credentials are referenced by environment variable name, never stored inline.
type ProviderConfig struct {
	// Kind selects the adapter implementation
	Kind ProviderKind `yaml:"kind"`

	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// FromNumber overrides telephony.from_number for this provider
	FromNumber string `yaml:"from_number,omitempty"`

	// APIBaseURL overrides the adapter's default API endpoint
	APIBaseURL string `yaml:"api_base_url,omitempty"`

	// AccountEnv names the env var holding the account identifier (SID, key ID)
	AccountEnv string `yaml:"account_env,omitempty"`

	// SecretEnv names the env var holding the API secret / auth token
	SecretEnv string `yaml:"secret_env,omitempty"`

	// WebhookValidation controls signature enforcement on this provider's webhooks
	WebhookValidation ValidationMode `yaml:"webhook_validation,omitempty"`

	// Priority orders failover: lower values are tried first. The preferred
	// provider from telephony.provider always sorts ahead of priority.
	Priority int `yaml:"priority,omitempty"`
}

// ProviderRegistry stores provider configurations in memory with thread-safe access
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new provider registry
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{
		providers: copied,
	}
}

// Get retrieves a provider configuration by name (thread-safe)
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// GetAll returns all provider configurations (thread-safe, returns copy)
func (r *ProviderRegistry) GetAll() map[string]*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// Has checks if a provider exists in the registry (thread-safe)
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[name]
	return exists
}

// Len returns the number of providers in the registry (thread-safe)
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Names returns provider names ordered for failover: the preferred provider
// first, the rest by ascending Priority then name.
func (r *ProviderRegistry) Names(preferred string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == preferred {
			return true
		}
		if names[j] == preferred {
			return false
		}
		pi, pj := r.providers[names[i]].Priority, r.providers[names[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})
	return names
}

// builtinProviders returns the provider entries available without any
// providers.yaml. Credentials still come from the environment.
func builtinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"twilio": {
			Kind:              ProviderKindTwilio,
			Description:       "Twilio Programmable Voice with Media Streams",
			AccountEnv:        "TWILIO_ACCOUNT_SID",
			SecretEnv:         "TWILIO_AUTH_TOKEN",
			WebhookValidation: ValidationStrict,
			Priority:          10,
		},
		"vonage": {
			Kind:              ProviderKindVonage,
			Description:       "Vonage Voice API",
			AccountEnv:        "VONAGE_API_KEY",
			SecretEnv:         "VONAGE_API_SECRET",
			WebhookValidation: ValidationStrict,
			Priority:          20,
		},
	}
}

// mergeProviders merges built-in and user-defined provider configurations.
// User-defined providers override built-in providers with the same name.
func mergeProviders(builtin map[string]ProviderConfig, user map[string]ProviderConfig) map[string]*ProviderConfig {
	result := make(map[string]*ProviderConfig)

	for name, provider := range builtin {
		providerCopy := provider
		result[name] = &providerCopy
	}

	for name, userProvider := range user {
		providerCopy := userProvider
		result[name] = &providerCopy
	}

	return result
}
