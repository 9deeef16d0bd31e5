package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// Tracker follows one adapter's failure history. Transient errors inside the
// rolling window trip a circuit breaker; the adapter is then skipped for the
// cooldown period and probed once afterwards. The first successful probe
// restores it.
//
// Webhook acceptance is never routed through a Tracker. A degraded carrier
// can still report on calls it already holds.
type Tracker struct {
	name      string
	window    time.Duration
	cooldown  time.Duration
	threshold int

	cb       *gobreaker.CircuitBreaker
	onChange func(*models.ProviderHealth)

	mu            sync.Mutex
	errorTimes    []time.Time
	lastErrorAt   time.Time
	lastSuccessAt time.Time
	cooldownUntil time.Time
	trippedAt     time.Time
	// forcedUntil carries a cooldown restored from the database across a
	// restart; the breaker itself cannot be re-opened externally.
	forcedUntil     time.Time
	pendingRecovery bool
}

// NewTracker creates a health tracker for one adapter. onChange fires on
// every degraded/recovered transition with a fresh snapshot; it may be nil.
func NewTracker(name string, cfg config.HealthConfig, onChange func(*models.ProviderHealth)) *Tracker {
	t := &Tracker{
		name:      name,
		window:    cfg.Window,
		cooldown:  cfg.Cooldown,
		threshold: cfg.ErrorThreshold,
		onChange:  onChange,
	}
	t.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return t.windowCount(time.Now()) >= t.threshold
		},
		IsSuccessful: func(err error) bool {
			// Permanent carrier rejections prove the API is reachable;
			// only transient failures count against health.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: t.stateChanged,
	})
	return t
}

// Do runs one carrier API operation through the breaker. While the adapter
// is cooling down the operation is rejected without touching the carrier.
func (t *Tracker) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if until, forced := t.forcedOpen(); forced {
		return &Error{
			Provider:  t.name,
			Op:        op,
			Code:      "provider_degraded",
			Message:   fmt.Sprintf("adapter cooling down until %s", until.UTC().Format(time.RFC3339)),
			Transient: true,
		}
	}
	_, err := t.cb.Execute(func() (interface{}, error) {
		err := fn(ctx)
		switch {
		case err == nil:
			t.noteSuccess(time.Now())
		case IsTransient(err):
			t.noteError(time.Now())
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{
			Provider:  t.name,
			Op:        op,
			Code:      "provider_degraded",
			Message:   "adapter is cooling down",
			Transient: true,
		}
	}
	return err
}

// RecordFailure feeds a failure observed outside Do, such as a carrier
// webhook reporting a media error. No-op while already cooling down.
func (t *Tracker) RecordFailure(reason string) {
	_, _ = t.cb.Execute(func() (interface{}, error) {
		t.noteError(time.Now())
		return nil, &Error{Provider: t.name, Op: "report", Code: reason, Transient: true}
	})
}

// RecordSuccess feeds a success observed outside Do.
func (t *Tracker) RecordSuccess() {
	_, _ = t.cb.Execute(func() (interface{}, error) {
		t.noteSuccess(time.Now())
		return nil, nil
	})
}

// Healthy reports whether the adapter is eligible for selection. An adapter
// past its cooldown is eligible again even before the recovery probe runs.
func (t *Tracker) Healthy() bool {
	if t.cb.State() == gobreaker.StateOpen {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !time.Now().Before(t.forcedUntil)
}

// LastTrippedAt returns when the adapter last entered cooldown. Zero when it
// never tripped. Used to pick the least recently failed adapter when every
// candidate is degraded.
func (t *Tracker) LastTrippedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trippedAt
}

// Snapshot captures current health for persistence and the system panel.
func (t *Tracker) Snapshot() *models.ProviderHealth {
	healthy := t.Healthy()
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	h := &models.ProviderHealth{
		Provider:   t.name,
		ErrorCount: t.pruneLocked(now),
		Degraded:   !healthy,
		UpdatedAt:  now,
	}
	if !t.lastErrorAt.IsZero() {
		at := t.lastErrorAt
		h.LastErrorAt = &at
	}
	if !t.lastSuccessAt.IsZero() {
		at := t.lastSuccessAt
		h.LastSuccessAt = &at
	}
	until := t.cooldownUntil
	if t.forcedUntil.After(until) {
		until = t.forcedUntil
	}
	if !healthy && !until.IsZero() {
		u := until
		h.CooldownUntil = &u
	}
	return h
}

// Restore applies a snapshot persisted before a restart. A cooldown that has
// not yet expired keeps the adapter out of rotation and arms the recovery
// event for the first success after expiry.
func (t *Tracker) Restore(h *models.ProviderHealth) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h.LastErrorAt != nil {
		t.lastErrorAt = *h.LastErrorAt
	}
	if h.LastSuccessAt != nil {
		t.lastSuccessAt = *h.LastSuccessAt
	}
	if h.Degraded && h.CooldownUntil != nil && h.CooldownUntil.After(time.Now()) {
		t.forcedUntil = *h.CooldownUntil
		t.trippedAt = h.UpdatedAt
		t.pendingRecovery = true
		slog.Info("Restored provider cooldown from persisted health",
			"provider", t.name,
			"cooldown_until", h.CooldownUntil.UTC().Format(time.RFC3339))
	}
}

func (t *Tracker) forcedOpen() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Now().Before(t.forcedUntil) {
		return t.forcedUntil, true
	}
	return time.Time{}, false
}

func (t *Tracker) noteError(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorTimes = append(t.errorTimes, now)
	t.lastErrorAt = now
	t.pruneLocked(now)
}

func (t *Tracker) noteSuccess(now time.Time) {
	t.mu.Lock()
	t.lastSuccessAt = now
	recovered := t.pendingRecovery && !now.Before(t.forcedUntil)
	if recovered {
		t.pendingRecovery = false
		t.forcedUntil = time.Time{}
		t.errorTimes = nil
	}
	t.mu.Unlock()
	if recovered {
		t.emitChange()
	}
}

func (t *Tracker) windowCount(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked(now)
}

func (t *Tracker) pruneLocked(now time.Time) int {
	cutoff := now.Add(-t.window)
	kept := t.errorTimes[:0]
	for _, at := range t.errorTimes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.errorTimes = kept
	return len(kept)
}

// stateChanged runs inside the breaker's lock; it must not call back into
// the breaker. Transitions are at least a cooldown apart, so dispatching the
// callback on its own goroutine cannot reorder them.
func (t *Tracker) stateChanged(name string, from, to gobreaker.State) {
	now := time.Now()
	switch to {
	case gobreaker.StateOpen:
		t.mu.Lock()
		t.trippedAt = now
		t.cooldownUntil = now.Add(t.cooldown)
		t.mu.Unlock()
		slog.Warn("Provider degraded",
			"provider", name,
			"errors_in_window", t.windowCount(now),
			"cooldown", t.cooldown.String())
		t.emitChange()
	case gobreaker.StateClosed:
		if from != gobreaker.StateHalfOpen {
			return
		}
		t.mu.Lock()
		t.errorTimes = nil
		t.cooldownUntil = time.Time{}
		t.mu.Unlock()
		slog.Info("Provider recovered", "provider", name)
		t.emitChange()
	case gobreaker.StateHalfOpen:
		slog.Debug("Provider probing after cooldown", "provider", name)
	}
}

func (t *Tracker) emitChange() {
	if t.onChange == nil {
		return
	}
	// Snapshot reads breaker state, so it must run after the breaker's
	// lock is released.
	go func() {
		t.onChange(t.Snapshot())
	}()
}
