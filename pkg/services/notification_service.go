package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// notificationColumns is the canonical column list scanned by scanNotification.
const notificationColumns = `id, call_sid, kind, subscriber_id, priority, status,
	payload, retry_count, created_at, next_attempt_at, sent_at, delivery_ms,
	provider_message_id, last_error`

// NotificationService manages subscribers and the notification outbox that
// the fan-out worker drains.
type NotificationService struct {
	db *sql.DB
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(client *database.Client) *NotificationService {
	return &NotificationService{db: client.DB()}
}

// CreateSubscriber registers a notification recipient.
func (s *NotificationService) CreateSubscriber(httpCtx context.Context, sub *models.Subscriber) (*models.Subscriber, error) {
	if sub.Channel != "webhook" && sub.Channel != "slack" {
		return nil, NewValidationError("channel", "must be webhook or slack")
	}
	if sub.Target == "" {
		return nil, NewValidationError("target", "required")
	}
	if sub.MinPriority == "" {
		sub.MinPriority = models.PriorityLow
	}
	if !sub.MinPriority.Valid() {
		return nil, NewValidationError("min_priority", "unknown priority")
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (id, channel, target, min_priority, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		sub.ID, sub.Channel, sub.Target, sub.MinPriority, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}
	sub.CreatedAt = now
	return sub, nil
}

// DeleteSubscriber removes a subscriber. Its queued notifications still
// drain; delivery to a vanished target fails and retires normally.
func (s *NotificationService) DeleteSubscriber(httpCtx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscribers returns all registered subscribers.
func (s *NotificationService) ListSubscribers(ctx context.Context) ([]*models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, target, min_priority, created_at
		FROM subscribers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Channel, &sub.Target, &sub.MinPriority, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber: %w", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscribers: %w", err)
	}
	return subs, nil
}

// Enqueue fans one lifecycle moment out to every subscriber whose
// min_priority admits it. Returns the created notifications.
func (s *NotificationService) Enqueue(httpCtx context.Context, callSID, kind string, priority models.NotificationPriority, payload json.RawMessage) ([]*models.Notification, error) {
	if callSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if kind == "" {
		return nil, NewValidationError("kind", "required")
	}
	if !priority.Valid() {
		return nil, NewValidationError("priority", "unknown priority")
	}

	subs, err := s.ListSubscribers(httpCtx)
	if err != nil {
		return nil, err
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	var queued []*models.Notification
	for _, sub := range subs {
		if priority.Rank() < sub.MinPriority.Rank() {
			continue
		}
		n := &models.Notification{
			ID:           uuid.New().String(),
			CallSID:      callSID,
			Kind:         kind,
			SubscriberID: sub.ID,
			Priority:     priority,
			Status:       models.NotificationPending,
			Payload:      payload,
			CreatedAt:    now,
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (id, call_sid, kind, subscriber_id,
				priority, status, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID, n.CallSID, n.Kind, n.SubscriberID, n.Priority, n.Status,
			[]byte(n.Payload), n.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to enqueue notification: %w", err)
		}
		queued = append(queued, n)
	}
	return queued, nil
}

// ClaimPending atomically moves up to limit due notifications from pending
// (or retrying, once next_attempt_at passes) to sending and returns them in
// drain order: priority desc, then kind severity desc, then created_at asc.
// SKIP LOCKED keeps concurrent workers from double-claiming.
func (s *NotificationService) ClaimPending(httpCtx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		UPDATE notifications SET status = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE (status = $2 OR (status = $3 AND next_attempt_at <= now()))
			ORDER BY
				CASE priority
					WHEN 'urgent' THEN 3
					WHEN 'high'   THEN 2
					WHEN 'normal' THEN 1
					ELSE 0
				END DESC,
				CASE kind
					WHEN 'call_failed'        THEN 3
					WHEN 'call.slo_violation' THEN 3
					WHEN 'call_completed'     THEN 2
					WHEN 'call_transcript'    THEN 1
					ELSE 0
				END DESC,
				created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		models.NotificationSending, models.NotificationPending,
		models.NotificationRetrying, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		claimed = append(claimed, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}

	// RETURNING order is not the subquery's; restore drain order.
	sortNotifications(claimed)
	return claimed, nil
}

// sortNotifications orders by priority desc, kind severity desc, created_at asc.
func sortNotifications(ns []*models.Notification) {
	for i := 1; i < len(ns); i++ {
		for j := i; j > 0 && notificationBefore(ns[j], ns[j-1]); j-- {
			ns[j], ns[j-1] = ns[j-1], ns[j]
		}
	}
}

func notificationBefore(a, b *models.Notification) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if models.KindSeverity(a.Kind) != models.KindSeverity(b.Kind) {
		return models.KindSeverity(a.Kind) > models.KindSeverity(b.Kind)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// MarkSent records a successful delivery.
func (s *NotificationService) MarkSent(httpCtx context.Context, id, providerMessageID string, deliveryMS int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $2, sent_at = $3, delivery_ms = $4, provider_message_id = $5, last_error = ''
		WHERE id = $1`,
		id, models.NotificationSent, time.Now().UTC(), deliveryMS, providerMessageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a delivery failure. Below the attempt cap the
// notification re-queues as retrying for nextAttempt; at the cap it goes
// terminal failed.
func (s *NotificationService) MarkFailed(httpCtx context.Context, id, lastError string, nextAttempt *time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if nextAttempt != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE notifications
			SET status = $2, retry_count = retry_count + 1, last_error = $3, next_attempt_at = $4
			WHERE id = $1`,
			id, models.NotificationRetrying, lastError, *nextAttempt,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE notifications
			SET status = $2, retry_count = retry_count + 1, last_error = $3, next_attempt_at = NULL
			WHERE id = $1`,
			id, models.NotificationFailed, lastError,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue returns one claimed row to pending without burning an attempt.
// Used when a worker shuts down mid-batch or cannot resolve the subscriber.
func (s *NotificationService) Requeue(httpCtx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.NotificationPending, models.NotificationSending,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue notification: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStuck returns every sending row to pending. Runs once at startup,
// before the fan-out worker: a row still marked sending then is a claim a
// crashed worker never resolved.
func (s *NotificationService) RequeueStuck(httpCtx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = $1 WHERE status = $2`,
		models.NotificationPending, models.NotificationSending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck notifications: %w", err)
	}
	return res.RowsAffected()
}

// ListByCall returns a call's notifications, newest first.
func (s *NotificationService) ListByCall(ctx context.Context, callSID string) ([]*models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE call_sid = $1 ORDER BY created_at DESC`, callSID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

// DeleteBefore prunes terminal notification rows older than the cutoff.
func (s *NotificationService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE created_at < $1 AND status IN ($2, $3)`,
		cutoff, models.NotificationSent, models.NotificationFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	return res.RowsAffected()
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var (
		n       models.Notification
		payload []byte
	)
	err := row.Scan(&n.ID, &n.CallSID, &n.Kind, &n.SubscriberID, &n.Priority,
		&n.Status, &payload, &n.RetryCount, &n.CreatedAt, &n.NextAttemptAt,
		&n.SentAt, &n.DeliveryMS, &n.ProviderMessageID, &n.LastError)
	if err != nil {
		return nil, err
	}
	n.Payload = json.RawMessage(payload)
	return &n, nil
}

// GetSubscriber returns one subscriber by id.
func (s *NotificationService) GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel, target, min_priority, created_at
		FROM subscribers WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.Channel, &sub.Target, &sub.MinPriority, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return &sub, nil
}
