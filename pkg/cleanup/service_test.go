package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
)

type fakeStores struct {
	mu      sync.Mutex
	cutoffs map[string]time.Time
	metrics string
	sweeps  int
	passes  int
	errs    map[string]error
}

func newFakeStores() *fakeStores {
	return &fakeStores{
		cutoffs: make(map[string]time.Time),
		errs:    make(map[string]error),
	}
}

func (f *fakeStores) record(task string, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs[task] = cutoff
	if err := f.errs[task]; err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeStores) cutoff(task string) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cutoffs[task]
}

func (f *fakeStores) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.passes++
	f.mu.Unlock()
	return f.record("calls", cutoff)
}

func (f *fakeStores) DeleteTransitionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return f.record("transitions", cutoff)
}

func (f *fakeStores) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return f.record("digit_events", cutoff)
}

func (f *fakeStores) DeleteDeadLettersBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return f.record("dead_letters", cutoff)
}

func (f *fakeStores) SweepExpired(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

// agePruner tags the shared fake with the task it stands in for.
type agePruner struct {
	f    *fakeStores
	task string
}

func (p agePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return p.f.record(p.task, cutoff)
}

type metricPruner struct {
	f *fakeStores
}

func (p metricPruner) DeleteBefore(_ context.Context, cutoffDate string) (int64, error) {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()
	p.f.metrics = cutoffDate
	return 1, nil
}

// messageStore maps the message-side method names onto distinct task keys;
// terminal messages and terminal calls would otherwise collide on one entry.
type messageStore struct {
	f *fakeStores
}

func (m messageStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return m.f.record("messages", cutoff)
}

func (m messageStore) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.f.DeleteDeadLettersBefore(ctx, cutoff)
}

func testRetention() *config.RetentionConfig {
	return &config.RetentionConfig{
		CallRetentionDays:         30,
		EventTTL:                  48 * time.Hour,
		WebhookLogTTL:             24 * time.Hour,
		DigitEventTTL:             2 * time.Hour,
		NotificationRetentionDays: 7,
		MessageRetentionDays:      14,
		MetricRetentionDays:       90,
		CleanupInterval:           time.Hour,
	}
}

func newTestService(f *fakeStores, cfg *config.RetentionConfig) *Service {
	return NewService(Options{
		Retention:     cfg,
		Calls:         f,
		Transcripts:   agePruner{f, "transcripts"},
		Digits:        f,
		Events:        agePruner{f, "events"},
		WebhookLog:    agePruner{f, "webhook_log"},
		Notifications: agePruner{f, "notifications"},
		Messages:      messageStore{f},
		Metrics:       metricPruner{f},
		Sessions:      f,
	})
}

func TestRunAllUsesConfiguredCutoffs(t *testing.T) {
	f := newFakeStores()
	cfg := testRetention()
	svc := newTestService(f, cfg)

	before := time.Now().UTC()
	svc.RunAll(context.Background())
	after := time.Now().UTC()

	// Day-based cutoffs.
	assertBetween(t, f.cutoff("calls"),
		before.AddDate(0, 0, -cfg.CallRetentionDays), after.AddDate(0, 0, -cfg.CallRetentionDays))
	assertBetween(t, f.cutoff("transitions"),
		before.AddDate(0, 0, -cfg.CallRetentionDays), after.AddDate(0, 0, -cfg.CallRetentionDays))
	assertBetween(t, f.cutoff("notifications"),
		before.AddDate(0, 0, -7), after.AddDate(0, 0, -7))
	assertBetween(t, f.cutoff("messages"),
		before.AddDate(0, 0, -14), after.AddDate(0, 0, -14))
	assertBetween(t, f.cutoff("dead_letters"),
		before.AddDate(0, 0, -14), after.AddDate(0, 0, -14))

	// Duration-based cutoffs.
	assertBetween(t, f.cutoff("digit_events"),
		before.Add(-cfg.DigitEventTTL), after.Add(-cfg.DigitEventTTL))
	assertBetween(t, f.cutoff("events"),
		before.Add(-cfg.EventTTL), after.Add(-cfg.EventTTL))
	assertBetween(t, f.cutoff("webhook_log"),
		before.Add(-cfg.WebhookLogTTL), after.Add(-cfg.WebhookLogTTL))

	// Metric cutoff is a date string 90 days back.
	assert.Equal(t, before.AddDate(0, 0, -90).Format("2006-01-02"), f.metrics)

	assert.Equal(t, 1, f.sweeps)
}

func TestRunAllContinuesPastFailingTask(t *testing.T) {
	f := newFakeStores()
	f.errs["calls"] = errors.New("lock timeout")
	svc := newTestService(f, testRetention())

	svc.RunAll(context.Background())

	// The failing call prune did not stop the later tasks.
	assert.False(t, f.cutoff("transcripts").IsZero())
	assert.False(t, f.cutoff("events").IsZero())
	assert.Equal(t, 1, f.sweeps)
}

func TestStartRunsImmediatePassAndStopWaits(t *testing.T) {
	f := newFakeStores()
	cfg := testRetention()
	cfg.CleanupInterval = 10 * time.Millisecond
	svc := newTestService(f, cfg)

	svc.Start(context.Background())

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.passes >= 2
	}, time.Second, 5*time.Millisecond, "expected the startup pass plus at least one ticker pass")

	svc.Stop()

	f.mu.Lock()
	settled := f.passes
	f.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, settled, f.passes, "no passes after Stop returned")
}

func assertBetween(t *testing.T, got, lo, hi time.Time) {
	t.Helper()
	assert.False(t, got.Before(lo), "cutoff %v before %v", got, lo)
	assert.False(t, got.After(hi), "cutoff %v after %v", got, hi)
}
