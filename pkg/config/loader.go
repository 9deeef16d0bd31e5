package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// TrunklineYAMLConfig represents the complete trunkline.yaml file structure
type TrunklineYAMLConfig struct {
	System    *SystemYAMLConfig `yaml:"system"`
	Telephony *TelephonyConfig  `yaml:"telephony"`
	Digits    *DigitsConfig     `yaml:"digits"`
	Stream    *StreamConfig     `yaml:"stream"`
	Notify    *NotifyConfig     `yaml:"notifications"`
	Delivery  *DeliveryConfig   `yaml:"delivery"`
	Queue     *QueueConfig      `yaml:"queue"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	Environment   string           `yaml:"environment"`
	PublicBaseURL string           `yaml:"public_base_url"`
	WebAppURL     string           `yaml:"webapp_url"`
	Slack         *SlackYAMLConfig `yaml:"slack"`
	Retention     *RetentionConfig `yaml:"retention"`
	Security      *SecurityConfig  `yaml:"security"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// ProvidersYAMLConfig represents the complete providers.yaml file structure
type ProvidersYAMLConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Apply spec'd environment variable overrides (CALL_PROVIDER, ...)
//  6. Validate all configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration files
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"providers", stats.Providers,
		"preferred_provider", stats.PreferredFirst,
		"failover", stats.FailoverEnabled,
		"compliance_mode", stats.ComplianceMode,
		"environment", cfg.Environment)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load trunkline.yaml (system, telephony, digits, stream, delivery, queue)
	fileConfig, err := loader.loadTrunklineYAML()
	if err != nil {
		return nil, NewLoadError("trunkline.yaml", err)
	}

	// 2. Load providers.yaml. Missing file is fine: built-in providers cover
	// the common carriers and credentials come from the environment anyway.
	userProviders, err := loader.loadProvidersYAML()
	if err != nil {
		if !errors.Is(err, ErrConfigNotFound) {
			return nil, NewLoadError("providers.yaml", err)
		}
		slog.Info("No providers.yaml found, using built-in providers")
		userProviders = nil
	}

	// 3. Merge built-in + user-defined providers (user overrides built-in)
	providers := mergeProviders(builtinProviders(), userProviders)

	// Apply provider defaults (before validation)
	for _, provider := range providers {
		if provider.WebhookValidation == "" {
			provider.WebhookValidation = ValidationStrict
		}
	}

	registry := NewProviderRegistry(providers)

	// 4. Resolve each section (merge user YAML onto built-in defaults,
	// non-zero values override)
	telephony := DefaultTelephonyConfig()
	if fileConfig.Telephony != nil {
		if err := mergo.Merge(telephony, fileConfig.Telephony, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge telephony config: %w", err)
		}
	}

	digits := DefaultDigitsConfig()
	if fileConfig.Digits != nil {
		if err := mergo.Merge(digits, fileConfig.Digits, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge digits config: %w", err)
		}
	}

	stream := DefaultStreamConfig()
	if fileConfig.Stream != nil {
		if err := mergo.Merge(stream, fileConfig.Stream, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge stream config: %w", err)
		}
	}

	notify := DefaultNotifyConfig()
	if fileConfig.Notify != nil {
		if err := mergo.Merge(notify, fileConfig.Notify, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge notifications config: %w", err)
		}
	}

	delivery := DefaultDeliveryConfig()
	if fileConfig.Delivery != nil {
		if err := mergo.Merge(delivery, fileConfig.Delivery, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge delivery config: %w", err)
		}
	}

	queue := DefaultQueueConfig()
	if fileConfig.Queue != nil {
		if err := mergo.Merge(queue, fileConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	// 5. Resolve system section (Slack + Retention + Security + URLs)
	notify.Slack = resolveSlackConfig(fileConfig.System)
	retention := resolveRetentionConfig(fileConfig.System)
	security := resolveSecurityConfig(fileConfig.System)

	cfg := &Config{
		configDir:     configDir,
		Environment:   resolveEnvironment(fileConfig.System),
		PublicBaseURL: resolvePublicBaseURL(fileConfig.System),
		WebAppURL:     resolveWebAppURL(fileConfig.System),
		Telephony:     telephony,
		Providers:     registry,
		Digits:        digits,
		Stream:        stream,
		Notify:        notify,
		Delivery:      delivery,
		Queue:         queue,
		Retention:     retention,
		Security:      security,
	}

	// 6. Environment variables override file values
	applyEnvOverrides(cfg)

	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadTrunklineYAML() (*TrunklineYAMLConfig, error) {
	var config TrunklineYAMLConfig

	if err := l.loadYAML("trunkline.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadProvidersYAML() (map[string]ProviderConfig, error) {
	var config ProvidersYAMLConfig

	// Initialize map to avoid nil map
	config.Providers = make(map[string]ProviderConfig)

	if err := l.loadYAML("providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.Providers, nil
}

// resolveSlackConfig resolves Slack configuration from system YAML, applying defaults.
func resolveSlackConfig(sys *SystemYAMLConfig) *SlackConfig {
	cfg := &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}

	if sys == nil || sys.Slack == nil {
		return cfg
	}

	s := sys.Slack
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}

// resolveRetentionConfig resolves retention configuration from system YAML, applying defaults.
func resolveRetentionConfig(sys *SystemYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if sys == nil || sys.Retention == nil {
		return cfg
	}

	r := sys.Retention
	if r.CallRetentionDays > 0 {
		cfg.CallRetentionDays = r.CallRetentionDays
	}
	if r.EventTTL > 0 {
		cfg.EventTTL = r.EventTTL
	}
	if r.WebhookLogTTL > 0 {
		cfg.WebhookLogTTL = r.WebhookLogTTL
	}
	if r.NotificationRetentionDays > 0 {
		cfg.NotificationRetentionDays = r.NotificationRetentionDays
	}
	if r.MessageRetentionDays > 0 {
		cfg.MessageRetentionDays = r.MessageRetentionDays
	}
	if r.MetricRetentionDays > 0 {
		cfg.MetricRetentionDays = r.MetricRetentionDays
	}
	if r.CleanupInterval > 0 {
		cfg.CleanupInterval = r.CleanupInterval
	}

	return cfg
}

// resolveSecurityConfig resolves security configuration from system YAML, applying defaults.
func resolveSecurityConfig(sys *SystemYAMLConfig) *SecurityConfig {
	cfg := DefaultSecurityConfig()

	if sys == nil || sys.Security == nil {
		return cfg
	}

	s := sys.Security
	if s.APISecretEnv != "" {
		cfg.APISecretEnv = s.APISecretEnv
	}
	if s.HMACMaxSkew > 0 {
		cfg.HMACMaxSkew = s.HMACMaxSkew
	}
	if s.NonceWindow > 0 {
		cfg.NonceWindow = s.NonceWindow
	}
	if s.SessionTTL > 0 {
		cfg.SessionTTL = s.SessionTTL
	}

	return cfg
}

// resolveEnvironment resolves the deployment environment. The ENVIRONMENT
// env var wins over YAML; unset defaults to development.
func resolveEnvironment(sys *SystemYAMLConfig) Environment {
	raw := os.Getenv("ENVIRONMENT")
	if raw == "" && sys != nil {
		raw = sys.Environment
	}
	if raw == "" {
		return EnvDevelopment
	}

	env := Environment(raw)
	if !env.IsValid() {
		slog.Warn("Invalid environment value, using development",
			"value", raw)
		return EnvDevelopment
	}
	return env
}

// resolvePublicBaseURL resolves the carrier-facing base URL, applying defaults.
func resolvePublicBaseURL(sys *SystemYAMLConfig) string {
	if sys != nil && sys.PublicBaseURL != "" {
		return sys.PublicBaseURL
	}
	return "http://localhost:8080"
}

// resolveWebAppURL resolves the mini-app base URL, applying defaults.
func resolveWebAppURL(sys *SystemYAMLConfig) string {
	if sys != nil && sys.WebAppURL != "" {
		return sys.WebAppURL
	}
	return "http://localhost:5173"
}

// applyEnvOverrides applies the documented environment variables on top of
// file configuration. Invalid values log a warning and keep the file value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CALL_PROVIDER"); v != "" {
		cfg.Telephony.Provider = v
	}
	if v := os.Getenv("FROM_NUMBER"); v != "" {
		cfg.Telephony.FromNumber = v
	}
	if d, ok := envSeconds("TWILIO_MACHINE_DETECTION_TIMEOUT"); ok {
		cfg.Telephony.MachineDetection.Timeout = d
	}
	if v := os.Getenv("TWILIO_WEBHOOK_VALIDATION"); v != "" {
		mode := ValidationMode(v)
		if mode.IsValid() {
			if p, err := cfg.Providers.Get("twilio"); err == nil {
				p.WebhookValidation = mode
			}
		} else {
			slog.Warn("Invalid TWILIO_WEBHOOK_VALIDATION value, keeping configured mode",
				"value", v)
		}
	}
	if d, ok := envMillis("CALL_SLO_FIRST_MEDIA_MS"); ok {
		cfg.Telephony.SLO.FirstMediaTimeout = d
	}
	if d, ok := envMillis("CALL_SLO_ANSWER_DELAY_MS"); ok {
		cfg.Telephony.SLO.AnswerDelayMax = d
	}
	if n, ok := envInt("WEBHOOK_RETRY_MAX_ATTEMPTS"); ok {
		cfg.Notify.MaxAttempts = n
	}
	if n, ok := envInt("EMAIL_RATE_LIMIT_PROVIDER_PER_MIN"); ok {
		cfg.Delivery.RateLimit.ProviderPerMinute = n
	}
	if n, ok := envInt("EMAIL_RATE_LIMIT_TENANT_PER_MIN"); ok {
		cfg.Delivery.RateLimit.TenantPerMinute = n
	}
	if n, ok := envInt("EMAIL_RATE_LIMIT_DOMAIN_PER_MIN"); ok {
		cfg.Delivery.RateLimit.DomainPerMinute = n
	}
	if n, ok := envInt("EMAIL_WARMUP_MAX_PER_DAY"); ok {
		cfg.Delivery.Warmup.MaxPerDay = n
		cfg.Delivery.Warmup.Enabled = n > 0
	}
	if v := os.Getenv("CONFIG_COMPLIANCE_MODE"); v != "" {
		mode := ComplianceMode(v)
		if mode.IsValid() {
			cfg.Digits.ComplianceMode = mode
		} else {
			slog.Warn("Invalid CONFIG_COMPLIANCE_MODE value, keeping configured mode",
				"value", v)
		}
	}
	if d, ok := envMillis("API_HMAC_MAX_SKEW_MS"); ok {
		cfg.Security.HMACMaxSkew = d
	}
	if v := os.Getenv("DEEPGRAM_MODEL"); v != "" {
		cfg.Stream.STTModel = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		cfg.Stream.ResponderModel = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		slog.Warn("Invalid integer in environment variable, ignoring",
			"var", name,
			"value", raw)
		return 0, false
	}
	return n, true
}

func envMillis(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envSeconds(name string) (time.Duration, bool) {
	n, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
