package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
	"github.com/trunkline-io/trunkline/pkg/services"
)

// Store is the notification outbox surface the worker drains.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]*models.Notification, error)
	MarkSent(ctx context.Context, id, providerMessageID string, deliveryMS int64) error
	MarkFailed(ctx context.Context, id, lastError string, nextAttempt *time.Time) error
	Requeue(ctx context.Context, id string) error
	GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error)
}

// Metrics records delivery outcomes per notification kind.
type Metrics interface {
	Increment(ctx context.Context, kind, outcome string) error
}

// Masker scrubs payload text before it leaves the system.
type Masker interface {
	Payload(text string) string
}

// Status reflects what a worker is doing right now.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// Health is a point-in-time snapshot of one worker for the system panel.
type Health struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Delivered    int       `json:"delivered"`
	LastActivity time.Time `json:"last_activity"`
}

// Options wires a notification worker pool.
type Options struct {
	Store    Store
	Metrics  Metrics
	Masker   Masker
	Channels []Channel
	Notify   *config.NotifyConfig
	Queue    *config.QueueConfig
	Logger   *slog.Logger
}

// Pool runs the configured number of fan-out workers against one outbox.
type Pool struct {
	workers []*Worker
}

// NewPool creates Queue.NotifyWorkerCount workers. Channels must be non-nil;
// a disabled integration is simply left out of the slice.
func NewPool(opts Options) *Pool {
	count := opts.Queue.NotifyWorkerCount
	if count < 1 {
		count = 1
	}
	channels := make(map[string]Channel, len(opts.Channels))
	for _, ch := range opts.Channels {
		channels[ch.Name()] = ch
	}

	p := &Pool{}
	for i := range count {
		p.workers = append(p.workers, newWorker(fmt.Sprintf("notify-%d", i+1), opts, channels))
	}
	return p
}

// Start launches every worker. ctx cancellation stops them all.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		w.start(ctx)
	}
}

// Stop shuts the pool down, waiting for in-flight deliveries to settle.
func (p *Pool) Stop() {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.stop()
		}(w)
	}
	wg.Wait()
}

// Health returns a snapshot of every worker.
func (p *Pool) Health() []Health {
	out := make([]Health, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.health())
	}
	return out
}

// Worker drains the outbox: claim a batch in priority order, deliver each
// notification through its subscriber's channel, settle the row. One
// delivery is in flight per worker at a time.
type Worker struct {
	id       string
	store    Store
	metrics  Metrics
	masker   Masker
	channels map[string]Channel
	cfg      *config.NotifyConfig
	queue    *config.QueueConfig
	policy   config.RetryPolicy
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	status       Status
	delivered    int
	lastActivity time.Time
}

func newWorker(id string, opts Options, channels map[string]Channel) *Worker {
	policy := opts.Notify.Policy()
	policy.Classify = func(err error) bool { return !IsPermanent(err) }

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		id:           id,
		store:        opts.Store,
		metrics:      opts.Metrics,
		masker:       opts.Masker,
		channels:     channels,
		cfg:          opts.Notify,
		queue:        opts.Queue,
		policy:       policy,
		log:          log.With("worker_id", id),
		stopCh:       make(chan struct{}),
		status:       StatusIdle,
		lastActivity: time.Now(),
	}
}

func (w *Worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *Worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.log.Info("Fan-out worker started")

	for {
		select {
		case <-w.stopCh:
			w.log.Info("Fan-out worker stopped")
			return
		case <-ctx.Done():
			w.log.Info("Fan-out worker context cancelled")
			return
		default:
			n, err := w.drain(ctx)
			if err != nil {
				w.log.Error("Outbox drain failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			if n == 0 {
				w.sleep(w.pollInterval())
			}
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns PollInterval ± PollIntervalJitter so workers sharing
// an outbox do not scan in lockstep.
func (w *Worker) pollInterval() time.Duration {
	base := w.queue.PollInterval
	jitter := w.queue.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	return base - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
}

// drain claims one batch and delivers it in order. Returns how many rows it
// settled.
func (w *Worker) drain(ctx context.Context) (int, error) {
	batch, err := w.store.ClaimPending(ctx, w.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("claiming notifications: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	w.setStatus(StatusWorking)
	defer w.setStatus(StatusIdle)

	done := 0
	for i, n := range batch {
		select {
		case <-w.stopCh:
			w.requeue(batch[i:])
			return done, nil
		default:
		}
		w.deliver(ctx, n)
		done++
	}

	w.mu.Lock()
	w.delivered += done
	w.mu.Unlock()
	return done, nil
}

// requeue returns claimed-but-undelivered rows to pending on shutdown.
func (w *Worker) requeue(batch []*models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, n := range batch {
		if err := w.store.Requeue(ctx, n.ID); err != nil {
			w.log.Warn("Failed to requeue claimed notification",
				"notification_id", n.ID,
				"error", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, n *models.Notification) {
	log := w.log.With("notification_id", n.ID, "call_sid", n.CallSID, "kind", n.Kind)

	sub, err := w.store.GetSubscriber(ctx, n.SubscriberID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			w.settleFailure(ctx, n, Permanent(errors.New("subscriber deleted")), log)
			return
		}
		// Store hiccup: give the row back rather than burning an attempt.
		if rerr := w.store.Requeue(ctx, n.ID); rerr != nil {
			log.Error("Failed to requeue after subscriber lookup error", "error", rerr)
		}
		return
	}

	channel, ok := w.channels[sub.Channel]
	if !ok {
		w.settleFailure(ctx, n, Permanent(fmt.Errorf("channel %q not configured", sub.Channel)), log)
		return
	}

	// Mask a copy. The claimed row keeps the original payload for retries.
	out := *n
	out.Payload = w.maskPayload(n.Payload)

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	providerID, derr := channel.Deliver(dctx, sub, &out)
	cancel()
	elapsed := time.Since(start)

	if derr != nil {
		w.settleFailure(ctx, n, derr, log)
		return
	}

	if err := w.store.MarkSent(ctx, n.ID, providerID, elapsed.Milliseconds()); err != nil {
		log.Error("Failed to mark notification sent", "error", err)
	}
	w.count(ctx, n.Kind, "sent")
	log.Info("Notification delivered",
		"channel", sub.Channel,
		"delivery_ms", elapsed.Milliseconds())
}

// settleFailure reschedules a transient failure inside the attempt budget
// and retires everything else as failed.
func (w *Worker) settleFailure(ctx context.Context, n *models.Notification, derr error, log *slog.Logger) {
	attempt := n.RetryCount + 1
	if w.policy.Retryable(derr) && attempt < w.policy.MaxAttempts {
		next := time.Now().UTC().Add(w.policy.Delay(attempt))
		if err := w.store.MarkFailed(ctx, n.ID, truncateError(derr), &next); err != nil {
			log.Error("Failed to reschedule notification", "error", err)
		}
		w.count(ctx, n.Kind, "retry")
		log.Warn("Notification delivery failed, rescheduled",
			"attempt", attempt,
			"next_attempt_at", next,
			"error", derr)
		return
	}

	if err := w.store.MarkFailed(ctx, n.ID, truncateError(derr), nil); err != nil {
		log.Error("Failed to mark notification failed", "error", err)
	}
	w.count(ctx, n.Kind, "failed")
	log.Error("Notification delivery failed permanently",
		"attempt", attempt,
		"error", derr)
}

func (w *Worker) maskPayload(payload json.RawMessage) json.RawMessage {
	if w.masker == nil || len(payload) == 0 {
		return payload
	}
	return json.RawMessage(w.masker.Payload(string(payload)))
}

func (w *Worker) count(ctx context.Context, kind, outcome string) {
	if w.metrics == nil {
		return
	}
	if err := w.metrics.Increment(ctx, kind, outcome); err != nil {
		w.log.Warn("Failed to record delivery metric",
			"kind", kind,
			"outcome", outcome,
			"error", err)
	}
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

func (w *Worker) health() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{
		ID:           w.id,
		Status:       w.status,
		Delivered:    w.delivered,
		LastActivity: w.lastActivity,
	}
}

// truncateError keeps last_error readable in the row.
func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}
