package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

type sentRecord struct {
	id         string
	providerID string
	ms         int64
}

type failRecord struct {
	id        string
	lastError string
	next      *time.Time
}

type fakeStore struct {
	mu       sync.Mutex
	pending  []*models.Notification
	subs     map[string]*models.Subscriber
	subErr   error
	claimErr error
	sent     []sentRecord
	failed   []failRecord
	requeued []string
}

func (f *fakeStore) ClaimPending(_ context.Context, limit int) ([]*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	batch := f.pending[:limit]
	f.pending = f.pending[limit:]
	return batch, nil
}

func (f *fakeStore) MarkSent(_ context.Context, id, providerMessageID string, deliveryMS int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRecord{id, providerMessageID, deliveryMS})
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, lastError string, nextAttempt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failRecord{id, lastError, nextAttempt})
	return nil
}

func (f *fakeStore) Requeue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeStore) GetSubscriber(_ context.Context, id string) (*models.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	return sub, nil
}

func (f *fakeStore) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMetrics) Increment(_ context.Context, kind, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[kind+"|"+outcome]++
	return nil
}

func (f *fakeMetrics) get(kind, outcome string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind+"|"+outcome]
}

type fakeChannel struct {
	mu        sync.Mutex
	name      string
	errs      []error
	block     bool
	delivered []*models.Notification
	targets   []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(ctx context.Context, sub *models.Subscriber, n *models.Notification) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, n)
	f.targets = append(f.targets, sub.Target)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return "", err
	}
	return fmt.Sprintf("msg-%d", len(f.delivered)), nil
}

type fakeMasker struct{}

func (fakeMasker) Payload(text string) string {
	return strings.ReplaceAll(text, "412346", "4****6")
}

func newTestWorker(t *testing.T, store *fakeStore, metrics *fakeMetrics, channels ...Channel) *Worker {
	t.Helper()
	cfg := config.DefaultNotifyConfig()
	cfg.DeliveryTimeout = 100 * time.Millisecond
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return newWorker("notify-test", Options{
		Store:   store,
		Metrics: metrics,
		Masker:  fakeMasker{},
		Notify:  cfg,
		Queue:   config.DefaultQueueConfig(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, byName)
}

func pendingNotification(id, kind string, retries int) *models.Notification {
	return &models.Notification{
		ID:           id,
		CallSID:      "CA777",
		Kind:         kind,
		SubscriberID: "sub-1",
		Priority:     models.PriorityNormal,
		Status:       models.NotificationSending,
		Payload:      json.RawMessage(`{"call_sid":"CA777","status":"ended"}`),
		RetryCount:   retries,
		CreatedAt:    time.Now().UTC(),
	}
}

func webhookSub() map[string]*models.Subscriber {
	return map[string]*models.Subscriber{
		"sub-1": {ID: "sub-1", Channel: "webhook", Target: "https://hooks.example.com/x"},
	}
}

func TestWorkerDrain(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers and settles a batch", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{
				pendingNotification("ntf-1", models.NotificationCallCompleted, 0),
				pendingNotification("ntf-2", models.NotificationCallTranscript, 0),
			},
			subs: webhookSub(),
		}
		metrics := &fakeMetrics{}
		ch := &fakeChannel{name: "webhook"}
		w := newTestWorker(t, store, metrics, ch)

		done, err := w.drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, done)

		require.Len(t, store.sent, 2)
		assert.Equal(t, "ntf-1", store.sent[0].id)
		assert.Equal(t, "msg-1", store.sent[0].providerID)
		assert.Equal(t, "ntf-2", store.sent[1].id)
		assert.Empty(t, store.failed)

		assert.Equal(t, 1, metrics.get(models.NotificationCallCompleted, "sent"))
		assert.Equal(t, 1, metrics.get(models.NotificationCallTranscript, "sent"))

		assert.Equal(t, []string{"https://hooks.example.com/x", "https://hooks.example.com/x"}, ch.targets)
	})

	t.Run("masks payloads before egress", func(t *testing.T) {
		n := pendingNotification("ntf-1", models.NotificationCallCompleted, 0)
		n.Payload = json.RawMessage(`{"call_sid":"CA777","digits":"412346"}`)
		store := &fakeStore{pending: []*models.Notification{n}, subs: webhookSub()}
		ch := &fakeChannel{name: "webhook"}
		w := newTestWorker(t, store, &fakeMetrics{}, ch)

		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, ch.delivered, 1)
		assert.JSONEq(t, `{"call_sid":"CA777","digits":"4****6"}`, string(ch.delivered[0].Payload))
		// The stored row keeps the original payload for retries.
		assert.JSONEq(t, `{"call_sid":"CA777","digits":"412346"}`, string(n.Payload))
	})

	t.Run("retries transient failures with backoff", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallFailed, 0)},
			subs:    webhookSub(),
		}
		metrics := &fakeMetrics{}
		ch := &fakeChannel{name: "webhook", errs: []error{errors.New("boom")}}
		w := newTestWorker(t, store, metrics, ch)

		before := time.Now().UTC()
		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, store.failed, 1)
		rec := store.failed[0]
		assert.Equal(t, "ntf-1", rec.id)
		assert.Equal(t, "boom", rec.lastError)
		require.NotNil(t, rec.next)
		delay := rec.next.Sub(before)
		assert.GreaterOrEqual(t, delay, 5*time.Second)
		assert.LessOrEqual(t, delay, 7*time.Second)
		assert.Equal(t, 1, metrics.get(models.NotificationCallFailed, "retry"))
	})

	t.Run("second failure doubles the delay", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallFailed, 1)},
			subs:    webhookSub(),
		}
		ch := &fakeChannel{name: "webhook", errs: []error{errors.New("boom")}}
		w := newTestWorker(t, store, &fakeMetrics{}, ch)

		before := time.Now().UTC()
		_, err := w.drain(ctx)
		require.NoError(t, err)

		rec := store.failed[0]
		require.NotNil(t, rec.next)
		delay := rec.next.Sub(before)
		assert.GreaterOrEqual(t, delay, 10*time.Second)
		assert.LessOrEqual(t, delay, 12*time.Second)
	})

	t.Run("exhausted budget retires the row", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallFailed, 2)},
			subs:    webhookSub(),
		}
		metrics := &fakeMetrics{}
		ch := &fakeChannel{name: "webhook", errs: []error{errors.New("boom")}}
		w := newTestWorker(t, store, metrics, ch)

		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, store.failed, 1)
		assert.Nil(t, store.failed[0].next)
		assert.Equal(t, 1, metrics.get(models.NotificationCallFailed, "failed"))
	})

	t.Run("permanent failures never retry", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
			subs:    webhookSub(),
		}
		metrics := &fakeMetrics{}
		ch := &fakeChannel{name: "webhook", errs: []error{Permanent(errors.New("endpoint returned 404"))}}
		w := newTestWorker(t, store, metrics, ch)

		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, store.failed, 1)
		assert.Nil(t, store.failed[0].next)
		assert.Equal(t, 1, metrics.get(models.NotificationCallCompleted, "failed"))
	})

	t.Run("deleted subscriber retires the row", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
			subs:    map[string]*models.Subscriber{},
		}
		ch := &fakeChannel{name: "webhook"}
		w := newTestWorker(t, store, &fakeMetrics{}, ch)

		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, store.failed, 1)
		assert.Nil(t, store.failed[0].next)
		assert.Contains(t, store.failed[0].lastError, "subscriber deleted")
		assert.Empty(t, ch.delivered)
	})

	t.Run("unknown channel retires the row", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
			subs: map[string]*models.Subscriber{
				"sub-1": {ID: "sub-1", Channel: "pager", Target: "555"},
			},
		}
		w := newTestWorker(t, store, &fakeMetrics{}, &fakeChannel{name: "webhook"})

		_, err := w.drain(ctx)
		require.NoError(t, err)

		require.Len(t, store.failed, 1)
		assert.Nil(t, store.failed[0].next)
		assert.Contains(t, store.failed[0].lastError, `channel "pager" not configured`)
	})

	t.Run("subscriber lookup hiccup gives the row back", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
			subErr:  errors.New("connection reset"),
		}
		w := newTestWorker(t, store, &fakeMetrics{}, &fakeChannel{name: "webhook"})

		_, err := w.drain(ctx)
		require.NoError(t, err)

		assert.Equal(t, []string{"ntf-1"}, store.requeued)
		assert.Empty(t, store.sent)
		assert.Empty(t, store.failed)
	})

	t.Run("slow channel hits the delivery timeout", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
			subs:    webhookSub(),
		}
		ch := &fakeChannel{name: "webhook", block: true}
		w := newTestWorker(t, store, &fakeMetrics{}, ch)

		start := time.Now()
		_, err := w.drain(ctx)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)

		require.Len(t, store.failed, 1)
		assert.Contains(t, store.failed[0].lastError, "context deadline exceeded")
		require.NotNil(t, store.failed[0].next)
	})

	t.Run("stop requeues the unprocessed tail", func(t *testing.T) {
		store := &fakeStore{
			pending: []*models.Notification{
				pendingNotification("ntf-1", models.NotificationCallCompleted, 0),
				pendingNotification("ntf-2", models.NotificationCallCompleted, 0),
				pendingNotification("ntf-3", models.NotificationCallCompleted, 0),
			},
			subs: webhookSub(),
		}
		w := newTestWorker(t, store, &fakeMetrics{}, &fakeChannel{name: "webhook"})
		w.stop()

		done, err := w.drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, done)
		assert.Equal(t, []string{"ntf-1", "ntf-2", "ntf-3"}, store.requeued)
		assert.Empty(t, store.sent)
	})

	t.Run("empty outbox settles nothing", func(t *testing.T) {
		store := &fakeStore{subs: webhookSub()}
		w := newTestWorker(t, store, &fakeMetrics{}, &fakeChannel{name: "webhook"})

		done, err := w.drain(ctx)
		require.NoError(t, err)
		assert.Zero(t, done)
	})

	t.Run("claim errors surface", func(t *testing.T) {
		store := &fakeStore{claimErr: errors.New("db down")}
		w := newTestWorker(t, store, &fakeMetrics{}, &fakeChannel{name: "webhook"})

		_, err := w.drain(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "db down")
	})
}

func TestPoolLifecycle(t *testing.T) {
	store := &fakeStore{
		pending: []*models.Notification{pendingNotification("ntf-1", models.NotificationCallCompleted, 0)},
		subs:    webhookSub(),
	}
	queueCfg := config.DefaultQueueConfig()
	queueCfg.NotifyWorkerCount = 2
	queueCfg.PollInterval = 10 * time.Millisecond
	queueCfg.PollIntervalJitter = 0

	pool := NewPool(Options{
		Store:    store,
		Metrics:  &fakeMetrics{},
		Masker:   fakeMasker{},
		Channels: []Channel{&fakeChannel{name: "webhook"}},
		Notify:   config.DefaultNotifyConfig(),
		Queue:    queueCfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		return store.sentCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	pool.Stop()

	health := pool.Health()
	require.Len(t, health, 2)
	total := 0
	for _, h := range health {
		assert.Equal(t, StatusIdle, h.Status)
		total += h.Delivered
	}
	assert.Equal(t, 1, total)
}
