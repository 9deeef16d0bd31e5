package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/models"
)

var (
	// ErrNoMessagesDue signals an empty queue; workers back off politely.
	ErrNoMessagesDue = errors.New("no messages due")

	// ErrAtCapacity signals the global inflight ceiling has been reached.
	ErrAtCapacity = errors.New("delivery at capacity")
)

// MessageStore is the persistence surface the worker pool drives.
// *services.MessageService implements it.
type MessageStore interface {
	ClaimDue(ctx context.Context, podID string, limit int) ([]*models.Message, error)
	CountInflight(ctx context.Context) (int, error)
	Heartbeat(ctx context.Context, podID string, messageIDs []string) error
	MarkSent(ctx context.Context, messageID, providerMessageID string) error
	MarkRetry(ctx context.Context, messageID, errorCode string, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, messageID, errorCode string) error
	MarkSuppressedInFlight(ctx context.Context, messageID string) error
	Release(ctx context.Context, messageID, reason string, nextAttempt time.Time) error
	CountSentSince(ctx context.Context, channel models.MessageChannel, since time.Time) (int, error)
	RequeueOrphans(ctx context.Context, staleAfter time.Duration) (int, error)
}

// SuppressionChecker answers whether an address is suppressed.
// *services.SuppressionService implements it.
type SuppressionChecker interface {
	IsSuppressed(ctx context.Context, address string, channel models.MessageChannel) (bool, error)
}

// Status is a worker's coarse activity state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// WorkerHealth is a point-in-time snapshot of one worker.
type WorkerHealth struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	CurrentMessageID string    `json:"current_message_id,omitempty"`
	Processed        int       `json:"processed"`
	LastActivity     time.Time `json:"last_activity"`
}

// worker claims due messages and walks each through suppression, rate
// limit, and warmup gates before handing it to the channel's sender.
type worker struct {
	id           string
	podID        string
	store        MessageStore
	suppressions SuppressionChecker
	limiter      *Limiter
	senders      map[models.MessageChannel]Sender
	metrics      Metrics
	cfg          *config.DeliveryConfig
	queue        *config.QueueConfig
	policy       config.RetryPolicy
	logger       *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	status           Status
	currentMessageID string
	processed        int
	lastActivity     time.Time
}

func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Delivery worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Delivery worker stopped")
			return
		case <-ctx.Done():
			w.logger.Info("Delivery worker context cancelled")
			return
		default:
		}

		err := w.pollAndProcess(ctx)
		switch {
		case errors.Is(err, ErrNoMessagesDue), errors.Is(err, ErrAtCapacity):
			w.sleep(w.pollInterval())
		case err != nil:
			w.logger.Error("Delivery poll failed", "error", err)
			w.sleep(time.Second)
		}
	}
}

// sleep waits for d or until the worker is stopped.
func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval spreads workers out so they do not claim in lockstep.
func (w *worker) pollInterval() time.Duration {
	base := w.cfg.QueueInterval
	jitter := w.queue.PollIntervalJitter
	if jitter <= 0 || jitter >= base {
		return base
	}
	return base - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
}

func (w *worker) pollAndProcess(ctx context.Context) error {
	limit := w.cfg.BatchSize
	if w.queue.MaxInflight > 0 {
		inflight, err := w.store.CountInflight(ctx)
		if err != nil {
			return fmt.Errorf("failed to count inflight messages: %w", err)
		}
		headroom := w.queue.MaxInflight - inflight
		if headroom <= 0 {
			return ErrAtCapacity
		}
		if limit > headroom {
			limit = headroom
		}
	}

	batch, err := w.store.ClaimDue(ctx, w.podID, limit)
	if err != nil {
		return fmt.Errorf("failed to claim due messages: %w", err)
	}
	if len(batch) == 0 {
		return ErrNoMessagesDue
	}

	w.processBatch(ctx, batch)
	return nil
}

func (w *worker) processBatch(ctx context.Context, batch []*models.Message) {
	ids := make([]string, len(batch))
	for i, msg := range batch {
		ids[i] = msg.MessageID
	}
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.wg.Add(1)
	go w.runHeartbeat(hbCtx, ids)

	for i, msg := range batch {
		select {
		case <-w.stopCh:
			// Hand the unprocessed tail straight back so another pod
			// can claim it instead of waiting out the orphan scan.
			w.releaseRest(batch[i:])
			return
		default:
		}
		w.process(ctx, msg)
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
	}
}

// runHeartbeat refreshes the claim on every message in the batch until the
// batch finishes. Messages already settled no longer match their claim row
// and are skipped by the store.
func (w *worker) runHeartbeat(ctx context.Context, ids []string) {
	defer w.wg.Done()
	interval := w.queue.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, w.podID, ids); err != nil {
				w.logger.Warn("Failed to heartbeat claimed messages", "error", err)
			}
		}
	}
}

func (w *worker) releaseRest(rest []*models.Message) {
	now := time.Now().UTC()
	for _, msg := range rest {
		w.release(context.Background(), msg, "shutdown", now)
	}
	if len(rest) > 0 {
		w.logger.Info("Released unprocessed claims on shutdown", "count", len(rest))
	}
}

// process walks one claimed message through the delivery gates and settles
// it: suppression recheck, token buckets, warmup cap, then the provider
// send with retry classification.
func (w *worker) process(ctx context.Context, msg *models.Message) {
	w.setStatus(StatusWorking, msg.MessageID)
	defer w.setStatus(StatusIdle, "")

	logger := w.logger.With("message_id", msg.MessageID, "channel", msg.Channel)

	suppressed, err := w.suppressions.IsSuppressed(ctx, msg.To, msg.Channel)
	if err != nil {
		logger.Error("Suppression recheck failed", "error", err)
		w.release(ctx, msg, "suppression_check_failed", time.Now().UTC().Add(5*time.Second))
		return
	}
	if suppressed {
		// Suppressed after enqueue; park the row without an attempt.
		if err := w.store.MarkSuppressedInFlight(ctx, msg.MessageID); err != nil {
			logger.Error("Failed to mark message suppressed", "error", err)
		}
		w.count(ctx, msg.Channel, "suppressed")
		logger.Info("Message suppressed before send")
		return
	}

	if wait, bucket := w.limiter.Acquire(msg); wait > 0 {
		next := time.Now().UTC().Add(wait)
		w.release(ctx, msg, bucket, next)
		w.count(ctx, msg.Channel, "throttled")
		logger.Info("Message throttled", "bucket", bucket, "retry_at", next)
		return
	}

	if w.cfg.Warmup.Enabled && msg.Channel == models.ChannelEmail {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		sentToday, err := w.store.CountSentSince(ctx, models.ChannelEmail, midnight)
		if err != nil {
			logger.Error("Warmup count failed", "error", err)
			w.release(ctx, msg, "warmup_check_failed", time.Now().UTC().Add(5*time.Second))
			return
		}
		if sentToday >= w.cfg.Warmup.MaxPerDay {
			next := midnight.Add(24 * time.Hour)
			w.release(ctx, msg, "warmup_cap", next)
			w.count(ctx, msg.Channel, "throttled")
			logger.Info("Warmup cap reached, message deferred", "retry_at", next)
			return
		}
	}

	sender, ok := w.senders[msg.Channel]
	if !ok {
		if err := w.store.MarkFailed(ctx, msg.MessageID, "no_sender"); err != nil {
			logger.Error("Failed to mark message failed", "error", err)
		}
		w.count(ctx, msg.Channel, "failed")
		logger.Error("No sender configured for channel")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	providerID, err := sender.Send(sendCtx, msg)
	cancel()
	if err == nil {
		if err := w.store.MarkSent(ctx, msg.MessageID, providerID); err != nil {
			logger.Error("Failed to mark message sent", "error", err)
		}
		w.count(ctx, msg.Channel, "sent")
		logger.Info("Message sent", "provider_message_id", providerID)
		return
	}

	code, transient := classifySendError(err)
	if transient && msg.RetryCount < w.policy.MaxAttempts {
		next := time.Now().UTC().Add(w.policy.Delay(msg.RetryCount + 1))
		if err := w.store.MarkRetry(ctx, msg.MessageID, code, next); err != nil {
			logger.Error("Failed to schedule retry", "error", err)
		}
		w.count(ctx, msg.Channel, "retry")
		logger.Warn("Send failed, retry scheduled",
			"error_code", code, "retry_count", msg.RetryCount+1, "next_attempt_at", next, "error", err)
		return
	}

	if err := w.store.MarkFailed(ctx, msg.MessageID, code); err != nil {
		logger.Error("Failed to mark message failed", "error", err)
	}
	w.count(ctx, msg.Channel, "failed")
	logger.Error("Send failed permanently", "error_code", code, "error", err)
}

func (w *worker) release(ctx context.Context, msg *models.Message, reason string, next time.Time) {
	if err := w.store.Release(ctx, msg.MessageID, reason, next); err != nil {
		w.logger.Error("Failed to release message", "message_id", msg.MessageID, "error", err)
	}
}

func (w *worker) count(ctx context.Context, channel models.MessageChannel, outcome string) {
	countMetric(ctx, w.metrics, w.logger, channel, outcome)
}

func (w *worker) setStatus(status Status, messageID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentMessageID = messageID
	w.lastActivity = time.Now().UTC()
}

func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:               w.id,
		Status:           w.status,
		CurrentMessageID: w.currentMessageID,
		Processed:        w.processed,
		LastActivity:     w.lastActivity,
	}
}
