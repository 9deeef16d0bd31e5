package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderRegistry(t *testing.T) {
	registry := NewProviderRegistry(map[string]*ProviderConfig{
		"twilio": {Kind: ProviderKindTwilio, Priority: 10},
		"vonage": {Kind: ProviderKindVonage, Priority: 20},
	})

	assert.Equal(t, 2, registry.Len())
	assert.True(t, registry.Has("twilio"))
	assert.False(t, registry.Has("bandwidth"))

	p, err := registry.Get("vonage")
	require.NoError(t, err)
	assert.Equal(t, ProviderKindVonage, p.Kind)

	_, err = registry.Get("bandwidth")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestProviderRegistryNamesOrder(t *testing.T) {
	registry := NewProviderRegistry(map[string]*ProviderConfig{
		"twilio":    {Kind: ProviderKindTwilio, Priority: 10},
		"vonage":    {Kind: ProviderKindVonage, Priority: 20},
		"sipbridge": {Kind: ProviderKindConnect, Priority: 5},
	})

	// Preferred always first, rest by ascending priority
	assert.Equal(t, []string{"vonage", "sipbridge", "twilio"}, registry.Names("vonage"))
	assert.Equal(t, []string{"sipbridge", "twilio", "vonage"}, registry.Names("sipbridge"))

	// Unknown preferred falls back to pure priority order
	assert.Equal(t, []string{"sipbridge", "twilio", "vonage"}, registry.Names("nope"))
}

func TestMergeProviders(t *testing.T) {
	merged := mergeProviders(builtinProviders(), map[string]ProviderConfig{
		"twilio": {
			Kind:              ProviderKindTwilio,
			WebhookValidation: ValidationOff,
		},
		"sipbridge": {
			Kind:      ProviderKindConnect,
			SecretEnv: "SIP_BRIDGE_SECRET",
		},
	})

	// User entry replaces the built-in wholesale
	assert.Equal(t, ValidationOff, merged["twilio"].WebhookValidation)
	assert.Empty(t, merged["twilio"].AccountEnv)

	// Untouched built-ins survive
	assert.Equal(t, "VONAGE_API_KEY", merged["vonage"].AccountEnv)

	// New user entries are added
	assert.Equal(t, "SIP_BRIDGE_SECRET", merged["sipbridge"].SecretEnv)
	assert.Len(t, merged, 3)
}

func TestDefaultQueueConfig(t *testing.T) {
	cfg := DefaultQueueConfig()

	assert.Equal(t, 5, cfg.DeliveryWorkerCount)
	assert.Equal(t, 2, cfg.NotifyWorkerCount)
	assert.Equal(t, 50, cfg.MaxInflight)
	assert.Greater(t, cfg.OrphanThreshold, cfg.HeartbeatInterval)
}
