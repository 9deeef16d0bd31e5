package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// ErrNoHealthyProvider means originate cannot proceed: failover is disabled
// and the pinned provider is cooling down. The caller surfaces this as an
// admission rejection.
var ErrNoHealthyProvider = errors.New("no healthy provider available")

// Registry holds the configured adapters with their health trackers and
// picks the adapter for each originate attempt.
type Registry struct {
	adapters map[string]Adapter
	trackers map[string]*Tracker
	configs  map[string]*config.ProviderConfig

	order           []string
	preferred       string
	disableFailover bool
}

// NewRegistry builds adapters for every configured provider. onChange is
// attached to each tracker and fires on degraded/recovered transitions.
func NewRegistry(cfg *config.Config, onChange func(*models.ProviderHealth)) (*Registry, error) {
	order := cfg.ProviderOrder()
	if len(order) == 0 {
		return nil, errors.New("no telephony providers configured")
	}

	// One shared client; per-request deadlines come from the caller context
	// and this timeout is the backstop.
	httpClient := &http.Client{Timeout: cfg.Telephony.AdapterTimeout}

	r := &Registry{
		adapters:        make(map[string]Adapter, len(order)),
		trackers:        make(map[string]*Tracker, len(order)),
		configs:         make(map[string]*config.ProviderConfig, len(order)),
		order:           order,
		preferred:       cfg.Telephony.Provider,
		disableFailover: cfg.Telephony.DisableFailover,
	}

	for _, name := range order {
		pc, err := cfg.GetProvider(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load provider %q: %w", name, err)
		}
		adapter, err := buildAdapter(name, pc, cfg, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		r.adapters[name] = adapter
		r.trackers[name] = NewTracker(name, cfg.Telephony.Health, onChange)
		r.configs[name] = pc
	}

	if _, ok := r.adapters[r.preferred]; !ok {
		return nil, fmt.Errorf("preferred provider %q is not configured", r.preferred)
	}

	slog.Info("Telephony provider registry initialized",
		"providers", r.order,
		"preferred", r.preferred,
		"failover_enabled", !r.disableFailover)
	return r, nil
}

func buildAdapter(name string, pc *config.ProviderConfig, cfg *config.Config, client *http.Client) (Adapter, error) {
	account := os.Getenv(pc.AccountEnv)
	secret := os.Getenv(pc.SecretEnv)
	if cfg.IsProduction() && (account == "" || secret == "") {
		return nil, fmt.Errorf("missing credentials: set %s and %s", pc.AccountEnv, pc.SecretEnv)
	}
	if account == "" || secret == "" {
		slog.Warn("Provider credentials not set, carrier API calls will fail",
			"provider", name,
			"account_env", pc.AccountEnv,
			"secret_env", pc.SecretEnv)
	}

	from := pc.FromNumber
	if from == "" {
		from = cfg.Telephony.FromNumber
	}

	opts := AdapterOptions{
		Name:          name,
		Account:       account,
		Secret:        secret,
		BaseURL:       pc.APIBaseURL,
		FromNumber:    from,
		PublicBaseURL: cfg.PublicBaseURL,
		HTTPClient:    client,
	}

	switch pc.Kind {
	case config.ProviderKindTwilio:
		return NewTwilioAdapter(opts), nil
	case config.ProviderKindVonage:
		return NewVonageAdapter(opts), nil
	case config.ProviderKindConnect:
		return NewConnectAdapter(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

// AdapterOptions carries the resolved settings every adapter constructor
// takes: credentials from the environment, base URL and caller ID overrides
// from the provider entry, and the public base URL webhooks come back on.
type AdapterOptions struct {
	Name          string
	Account       string
	Secret        string
	BaseURL       string
	FromNumber    string
	PublicBaseURL string
	HTTPClient    *http.Client
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", config.ErrProviderNotFound, name)
	}
	return a, nil
}

// Tracker returns the health tracker for name, or nil when the provider is
// not registered.
func (r *Registry) Tracker(name string) *Tracker {
	return r.trackers[name]
}

// Validation returns the webhook signature enforcement mode for name.
func (r *Registry) Validation(name string) config.ValidationMode {
	pc, ok := r.configs[name]
	if !ok || pc.WebhookValidation == "" {
		return config.ValidationStrict
	}
	return pc.WebhookValidation
}

// Order returns provider names in failover order.
func (r *Registry) Order() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select picks the adapter for a fresh originate attempt. With failover
// disabled only the preferred provider is considered. Otherwise the first
// healthy adapter in failover order wins; when every adapter is cooling
// down, the least recently tripped one is tried anyway so the system keeps
// probing rather than refusing all traffic.
func (r *Registry) Select() (Adapter, *Tracker, error) {
	if r.disableFailover {
		t := r.trackers[r.preferred]
		if !t.Healthy() {
			return nil, nil, fmt.Errorf("%w: %s is degraded and failover is disabled",
				ErrNoHealthyProvider, r.preferred)
		}
		return r.adapters[r.preferred], t, nil
	}

	for _, name := range r.order {
		if t := r.trackers[name]; t.Healthy() {
			return r.adapters[name], t, nil
		}
	}

	var (
		pickName string
		pickAt   time.Time
	)
	for _, name := range r.order {
		at := r.trackers[name].LastTrippedAt()
		if pickName == "" || at.Before(pickAt) {
			pickName, pickAt = name, at
		}
	}
	slog.Warn("All providers degraded, trying least recently failed", "provider", pickName)
	return r.adapters[pickName], r.trackers[pickName], nil
}

// Dialable reports whether an originate could be admitted right now. It
// fails only when failover is disabled and the preferred provider is
// degraded; with failover on, Select always yields something to try.
func (r *Registry) Dialable() error {
	if r.disableFailover && !r.trackers[r.preferred].Healthy() {
		return fmt.Errorf("%w: %s is degraded and failover is disabled",
			ErrNoHealthyProvider, r.preferred)
	}
	return nil
}

// RestoreHealth applies health snapshots persisted before a restart.
// Snapshots for providers no longer configured are ignored.
func (r *Registry) RestoreHealth(snapshots []*models.ProviderHealth) {
	for _, h := range snapshots {
		if t, ok := r.trackers[h.Provider]; ok {
			t.Restore(h)
		}
	}
}

// Snapshots captures current health for every provider in failover order.
func (r *Registry) Snapshots() []*models.ProviderHealth {
	out := make([]*models.ProviderHealth, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.trackers[name].Snapshot())
	}
	return out
}
