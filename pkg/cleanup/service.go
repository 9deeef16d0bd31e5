// Package cleanup enforces the retention policy on a timer.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/trunkline-io/trunkline/pkg/config"
)

// taskTimeout bounds each prune statement. Deletes run against indexed
// timestamp columns; anything slower than this is a stuck lock.
const taskTimeout = 2 * time.Minute

// CallStore prunes terminal calls and their transition log.
// *services.CallService implements it.
type CallStore interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTransitionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AgePruner deletes rows older than a cutoff. The transcript, event,
// webhook-log, and notification services all implement it.
type AgePruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DigitStore prunes aged digit events. *services.DigitService implements it.
type DigitStore interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageStore prunes terminal messages and their dead letters.
// *services.MessageService implements it.
type MessageStore interface {
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricStore prunes daily counters by date string (YYYY-MM-DD).
// *services.MetricService implements it.
type MetricStore interface {
	DeleteBefore(ctx context.Context, cutoffDate string) (int64, error)
}

// SessionStore sweeps expired SSE access tokens.
// *services.SessionService implements it.
type SessionStore interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Options wires the retention loop to the stores it prunes.
type Options struct {
	Retention *config.RetentionConfig
	Logger    *slog.Logger

	Calls         CallStore
	Transcripts   AgePruner
	Digits        DigitStore
	Events        AgePruner
	WebhookLog    AgePruner
	Notifications AgePruner
	Messages      MessageStore
	Metrics       MetricStore
	Sessions      SessionStore
}

// Service periodically prunes aged rows: terminal calls past retention with
// their transition and transcript detail, digit material on its own shorter
// clock, bus events, the webhook dedupe log, settled notifications, terminal
// messages and dead letters, daily metric counters, and expired SSE tokens.
//
// Every task is a bounded DELETE keyed on a timestamp column, idempotent and
// safe to run from multiple pods at once.
type Service struct {
	cfg    *config.RetentionConfig
	logger *slog.Logger

	calls         CallStore
	transcripts   AgePruner
	digits        DigitStore
	events        AgePruner
	webhookLog    AgePruner
	notifications AgePruner
	messages      MessageStore
	metrics       MetricStore
	sessions      SessionStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:           opts.Retention,
		logger:        logger.With("component", "cleanup"),
		calls:         opts.Calls,
		transcripts:   opts.Transcripts,
		digits:        opts.Digits,
		events:        opts.Events,
		webhookLog:    opts.WebhookLog,
		notifications: opts.Notifications,
		messages:      opts.Messages,
		metrics:       opts.Metrics,
		sessions:      opts.Sessions,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention loop started",
		"call_retention_days", s.cfg.CallRetentionDays,
		"digit_event_ttl", s.cfg.DigitEventTTL,
		"event_ttl", s.cfg.EventTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the loop to exit and waits for the current pass to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention loop stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll executes one full retention pass. Exported for one-shot use from
// operational tooling; the background loop calls it on the ticker.
func (s *Service) RunAll(ctx context.Context) {
	now := time.Now().UTC()

	s.pruneCallData(ctx, now)
	s.pruneDigitEvents(ctx, now)
	s.pruneEvents(ctx, now)
	s.pruneWebhookLog(ctx, now)
	s.pruneNotifications(ctx, now)
	s.pruneMessages(ctx, now)
	s.pruneMetrics(ctx, now)
	s.sweepSessions(ctx)
}

// task runs one prune under its own timeout and logs the outcome. The parent
// ctx only gates between tasks; a shutdown never aborts a DELETE mid-flight.
func (s *Service) task(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	if ctx.Err() != nil {
		return
	}
	taskCtx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	count, err := fn(taskCtx)
	if err != nil {
		s.logger.Error("Retention task failed", "task", name, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention task pruned rows", "task", name, "count", count)
	}
}

// pruneCallData removes terminal calls past retention (transitions,
// transcripts and digit rows cascade with them), then sweeps transition and
// transcript rows of the same age whose call row is somehow still live.
func (s *Service) pruneCallData(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.CallRetentionDays)
	s.task(ctx, "calls", func(c context.Context) (int64, error) {
		return s.calls.DeleteTerminalBefore(c, cutoff)
	})
	s.task(ctx, "transitions", func(c context.Context) (int64, error) {
		return s.calls.DeleteTransitionsBefore(c, cutoff)
	})
	s.task(ctx, "transcripts", func(c context.Context) (int64, error) {
		return s.transcripts.DeleteBefore(c, cutoff)
	})
}

func (s *Service) pruneDigitEvents(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.DigitEventTTL)
	s.task(ctx, "digit_events", func(c context.Context) (int64, error) {
		return s.digits.DeleteEventsBefore(c, cutoff)
	})
}

func (s *Service) pruneEvents(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.EventTTL)
	s.task(ctx, "events", func(c context.Context) (int64, error) {
		return s.events.DeleteBefore(c, cutoff)
	})
}

func (s *Service) pruneWebhookLog(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.WebhookLogTTL)
	s.task(ctx, "webhook_log", func(c context.Context) (int64, error) {
		return s.webhookLog.DeleteBefore(c, cutoff)
	})
}

func (s *Service) pruneNotifications(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.NotificationRetentionDays)
	s.task(ctx, "notifications", func(c context.Context) (int64, error) {
		return s.notifications.DeleteBefore(c, cutoff)
	})
}

func (s *Service) pruneMessages(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.MessageRetentionDays)
	s.task(ctx, "messages", func(c context.Context) (int64, error) {
		return s.messages.DeleteTerminalBefore(c, cutoff)
	})
	s.task(ctx, "dead_letters", func(c context.Context) (int64, error) {
		return s.messages.DeleteDeadLettersBefore(c, cutoff)
	})
}

func (s *Service) pruneMetrics(ctx context.Context, now time.Time) {
	cutoff := now.AddDate(0, 0, -s.cfg.MetricRetentionDays).Format("2006-01-02")
	s.task(ctx, "metrics", func(c context.Context) (int64, error) {
		return s.metrics.DeleteBefore(c, cutoff)
	})
}

func (s *Service) sweepSessions(ctx context.Context) {
	s.task(ctx, "sessions", func(c context.Context) (int64, error) {
		return s.sessions.SweepExpired(c)
	})
}
