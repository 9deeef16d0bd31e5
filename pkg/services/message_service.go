package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// messageColumns is the canonical column list scanned by scanMessage.
const messageColumns = `message_id, channel, recipient, sender, subject, html,
	text_body, body, template_id, variables, tenant_id, bulk_job_id,
	idempotency_key, status, retry_count, error_code, provider_message_id,
	scheduled_at, next_attempt_at, created_at, sent_at, pod_id, claimed_at,
	heartbeat_at`

// MessageService persists delivery-engine messages: enqueue with idempotency
// and suppression applied transactionally, worker claims, status transitions
// with bulk counter moves, provider event reconciliation, and the dead-letter
// parking lot. Validation and template resolution live in pkg/delivery; this
// layer owns the rows.
type MessageService struct {
	db *sql.DB
}

// NewMessageService creates a new MessageService.
func NewMessageService(client *database.Client) *MessageService {
	return &MessageService{db: client.DB()}
}

// EnqueueOutcome reports what an enqueue actually did: created a fresh row,
// returned a prior one (Deduped), or parked the message as suppressed.
type EnqueueOutcome struct {
	Message    *models.Message
	Deduped    bool
	Suppressed bool
}

// BulkOutcome mirrors EnqueueOutcome for bulk jobs.
type BulkOutcome struct {
	Job     *models.BulkJob
	Deduped bool
}

// Enqueue inserts one message inside a single transaction. If an idempotency
// key is present and already recorded with the same request hash, the prior
// message is returned with Deduped=true; a different hash is
// ErrIdempotencyConflict. Suppressed recipients get a row with status
// suppressed and never reach a provider.
func (s *MessageService) Enqueue(httpCtx context.Context, msg *models.Message, requestHash string) (*EnqueueOutcome, error) {
	if msg.MessageID == "" {
		return nil, NewValidationError("message_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if msg.IdempotencyKey != "" {
		prior, err := s.resolveIdempotencyTx(ctx, tx, msg.IdempotencyKey, requestHash)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit dedupe read: %w", err)
			}
			return &EnqueueOutcome{Message: prior, Deduped: true}, nil
		}
	}

	suppressed, err := isSuppressedTx(ctx, tx, msg.To, msg.Channel)
	if err != nil {
		return nil, err
	}
	if suppressed {
		msg.Status = models.MessageSuppressed
	} else if msg.Status == "" {
		msg.Status = models.MessageQueued
	}

	saved, err := insertMessageTx(ctx, tx, msg)
	if err != nil {
		return nil, err
	}

	eventKind := models.MessageEventQueued
	if suppressed {
		eventKind = models.MessageEventSuppressed
	}
	if err := appendMessageEventTx(ctx, tx, saved.MessageID, eventKind, nil); err != nil {
		return nil, err
	}

	if msg.IdempotencyKey != "" {
		if err := insertIdempotencyTx(ctx, tx, msg.IdempotencyKey, saved.MessageID, "", requestHash); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return &EnqueueOutcome{Message: saved, Suppressed: suppressed}, nil
}

// EnqueueBulk inserts a bulk job and all its messages in one transaction.
// Per-recipient suppression is applied row by row; the job counters reflect
// the initial split between queued and suppressed.
func (s *MessageService) EnqueueBulk(httpCtx context.Context, job *models.BulkJob, msgs []*models.Message, idempotencyKey, requestHash string) (*BulkOutcome, error) {
	if job.JobID == "" {
		return nil, NewValidationError("job_id", "required")
	}
	if len(msgs) == 0 {
		return nil, NewValidationError("recipients", "at least one recipient required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		priorJob, err := s.resolveBulkIdempotencyTx(ctx, tx, idempotencyKey, requestHash)
		if err != nil {
			return nil, err
		}
		if priorJob != nil {
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit dedupe read: %w", err)
			}
			return &BulkOutcome{Job: priorJob, Deduped: true}, nil
		}
	}

	queued, suppressedCount := 0, 0
	for _, msg := range msgs {
		msg.BulkJobID = job.JobID
		suppressed, err := isSuppressedTx(ctx, tx, msg.To, msg.Channel)
		if err != nil {
			return nil, err
		}
		if suppressed {
			msg.Status = models.MessageSuppressed
			suppressedCount++
		} else {
			msg.Status = models.MessageQueued
			queued++
		}
		if _, err := insertMessageTx(ctx, tx, msg); err != nil {
			return nil, err
		}
		eventKind := models.MessageEventQueued
		if suppressed {
			eventKind = models.MessageEventSuppressed
		}
		if err := appendMessageEventTx(ctx, tx, msg.MessageID, eventKind, nil); err != nil {
			return nil, err
		}
	}

	job.Total = len(msgs)
	job.Queued = queued
	job.Suppressed = suppressedCount
	row := tx.QueryRowContext(ctx, `
		INSERT INTO bulk_jobs (job_id, channel, template_id, tenant_id, total,
			queued, suppressed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+bulkJobColumns,
		job.JobID, job.Channel, job.TemplateID, job.TenantID, job.Total,
		job.Queued, job.Suppressed,
	)
	savedJob, err := scanBulkJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert bulk job: %w", err)
	}

	if idempotencyKey != "" {
		if err := insertIdempotencyTx(ctx, tx, idempotencyKey, "", job.JobID, requestHash); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk enqueue: %w", err)
	}
	return &BulkOutcome{Job: savedJob}, nil
}

// GetMessage returns one message by id.
func (s *MessageService) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns recent messages matching the filters, newest first.
func (s *MessageService) ListMessages(ctx context.Context, filters models.MessageFilters) ([]*models.Message, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if filters.Status != "" {
		where = append(where, "status = "+arg(filters.Status))
	}
	if filters.Channel != "" {
		where = append(where, "channel = "+arg(filters.Channel))
	}
	if filters.Recipient != "" {
		where = append(where, "recipient = "+arg(filters.Recipient))
	}
	if filters.TenantID != "" {
		where = append(where, "tenant_id = "+arg(filters.TenantID))
	}
	if filters.BulkJobID != "" {
		where = append(where, "bulk_job_id = "+arg(filters.BulkJobID))
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// ClaimDue atomically claims up to limit due messages for this pod and moves
// them to sending. SKIP LOCKED keeps concurrent pods from fighting over the
// same rows; a claimed row carries pod_id and a live heartbeat so orphan
// recovery can spot abandoned claims.
func (s *MessageService) ClaimDue(httpCtx context.Context, podID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET
			status = 'sending',
			pod_id = $1,
			claimed_at = now(),
			heartbeat_at = now()
		WHERE message_id IN (
			SELECT message_id FROM messages
			WHERE status IN ('queued', 'retry')
				AND scheduled_at <= now()
				AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		podID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	var claimed []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimed message: %w", err)
		}
		claimed = append(claimed, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	rows.Close()

	for _, msg := range claimed {
		if err := moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketQueued, bucketSending); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

// Heartbeat refreshes the claim heartbeat on messages this pod is sending.
func (s *MessageService) Heartbeat(ctx context.Context, podID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(messageIDs))
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, podID)
	for i, id := range messageIDs {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET heartbeat_at = now()
		WHERE pod_id = $1 AND status = 'sending'
			AND message_id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to heartbeat messages: %w", err)
	}
	return nil
}

// MarkSent finalizes a successful send.
func (s *MessageService) MarkSent(httpCtx context.Context, messageID, providerMessageID string) error {
	return s.finishAttempt(messageID, func(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'sent', provider_message_id = $2,
				sent_at = now(), error_code = '', pod_id = '', claimed_at = NULL
			WHERE message_id = $1`,
			messageID, providerMessageID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message sent: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventSent,
			map[string]any{"provider_message_id": providerMessageID}); err != nil {
			return err
		}
		return moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketSending, bucketSent)
	})
}

// MarkRetry schedules another attempt after a transient failure.
func (s *MessageService) MarkRetry(httpCtx context.Context, messageID, errorCode string, nextAttempt time.Time) error {
	return s.finishAttempt(messageID, func(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'retry', retry_count = retry_count + 1,
				error_code = $2, next_attempt_at = $3, pod_id = '', claimed_at = NULL
			WHERE message_id = $1`,
			messageID, errorCode, nextAttempt,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message retry: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventRetried,
			map[string]any{"error_code": errorCode, "next_attempt_at": nextAttempt.UTC().Format(time.RFC3339)}); err != nil {
			return err
		}
		// retry shares the queued bucket
		return moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketSending, bucketQueued)
	})
}

// MarkFailed finalizes a permanent failure and parks the payload in the
// dead-letter table.
func (s *MessageService) MarkFailed(httpCtx context.Context, messageID, errorCode string) error {
	return s.finishAttempt(messageID, func(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'failed', error_code = $2,
				pod_id = '', claimed_at = NULL
			WHERE message_id = $1`,
			messageID, errorCode,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message failed: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventFailed,
			map[string]any{"error_code": errorCode}); err != nil {
			return err
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dead_letters (message_id, channel, recipient, error_code, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			messageID, msg.Channel, msg.To, errorCode, payload,
		); err != nil {
			return fmt.Errorf("failed to insert dead letter: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventDeadLetter, nil); err != nil {
			return err
		}
		return moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketSending, bucketFailed)
	})
}

// MarkSuppressedInFlight handles a suppression that appeared between enqueue
// and send: the claimed message is parked without touching a provider.
func (s *MessageService) MarkSuppressedInFlight(httpCtx context.Context, messageID string) error {
	return s.finishAttempt(messageID, func(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'suppressed', pod_id = '', claimed_at = NULL
			WHERE message_id = $1`,
			messageID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message suppressed: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventSuppressed, nil); err != nil {
			return err
		}
		return moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketSending, bucketSuppressed)
	})
}

// Release returns a claimed message to the queue without consuming a retry,
// rescheduled to nextAttempt. Used for rate-limit throttling and warmup caps.
func (s *MessageService) Release(httpCtx context.Context, messageID, reason string, nextAttempt time.Time) error {
	return s.finishAttempt(messageID, func(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET status = 'queued', next_attempt_at = $2,
				pod_id = '', claimed_at = NULL
			WHERE message_id = $1`,
			messageID, nextAttempt,
		)
		if err != nil {
			return fmt.Errorf("failed to release message: %w", err)
		}
		if err := appendMessageEventTx(ctx, tx, messageID, models.MessageEventThrottled,
			map[string]any{"reason": reason, "next_attempt_at": nextAttempt.UTC().Format(time.RFC3339)}); err != nil {
			return err
		}
		return moveBulkCounterTx(ctx, tx, msg.BulkJobID, bucketSending, bucketQueued)
	})
}

// finishAttempt loads and locks the message row, checks it is still in an
// in-flight state, then runs the transition body in the same transaction.
func (s *MessageService) finishAttempt(messageID string, fn func(context.Context, *sql.Tx, *models.Message) error) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1 FOR UPDATE`,
		messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock message: %w", err)
	}
	if msg.Status != models.MessageSending {
		return ErrConcurrentModification
	}

	if err := fn(ctx, tx, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message transition: %w", err)
	}
	return nil
}

// RecordProviderEvent reconciles an async provider callback into the message
// row. Reconciliation is strictly forward: delivered advances only from sent,
// bounce and async failure only from sent, and terminal failures are never
// reopened. Returns the updated message, or ErrConcurrentModification when
// the event arrives out of order. vendorEvent preserves the provider's
// original event name in the event log when it differs from kind.
func (s *MessageService) RecordProviderEvent(httpCtx context.Context, providerMessageID, kind, vendorEvent string) (*models.Message, error) {
	var target models.MessageStatus
	switch kind {
	case models.MessageEventDelivered:
		target = models.MessageDelivered
	case models.MessageEventBounced:
		target = models.MessageBounced
	case models.MessageEventComplained:
		target = models.MessageComplained
	case models.MessageEventFailed:
		target = models.MessageFailed
	default:
		return nil, NewValidationError("kind", "unknown provider event kind")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE provider_message_id = $1 FOR UPDATE`,
		providerMessageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}

	if !providerEventAdvances(msg.Status, target) {
		return nil, ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = $2 WHERE message_id = $1`,
		msg.MessageID, target,
	); err != nil {
		return nil, fmt.Errorf("failed to reconcile message: %w", err)
	}
	detail := map[string]any{"provider_message_id": providerMessageID}
	if vendorEvent != "" && vendorEvent != kind {
		detail["vendor_event"] = vendorEvent
	}
	if err := appendMessageEventTx(ctx, tx, msg.MessageID, kind, detail); err != nil {
		return nil, err
	}
	if err := moveBulkCounterTx(ctx, tx, msg.BulkJobID, statusBucket(msg.Status), statusBucket(target)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	msg.Status = target
	return msg, nil
}

// providerEventAdvances reports whether a reconciliation from cur to next is
// forward-only legal.
func providerEventAdvances(cur, next models.MessageStatus) bool {
	switch next {
	case models.MessageDelivered, models.MessageFailed, models.MessageBounced:
		return cur == models.MessageSent
	case models.MessageComplained:
		return cur == models.MessageSent || cur == models.MessageDelivered
	}
	return false
}

// RequeueOrphans returns messages whose claim heartbeat went stale to the
// queue. Crashed pods leave rows in sending; this puts them back in line
// without consuming a retry.
func (s *MessageService) RequeueOrphans(httpCtx context.Context, staleAfter time.Duration) (int, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-staleAfter)
	return s.requeueWhere(ctx, `status = 'sending' AND heartbeat_at < $1`, cutoff)
}

// RequeueByPod requeues everything a specific pod had claimed. Called once at
// startup so a restarted pod never strands its own prior claims.
func (s *MessageService) RequeueByPod(httpCtx context.Context, podID string) (int, error) {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return s.requeueWhere(ctx, `status = 'sending' AND pod_id = $1`, podID)
}

func (s *MessageService) requeueWhere(ctx context.Context, cond string, arg any) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages SET status = 'queued', pod_id = '', claimed_at = NULL,
			heartbeat_at = NULL, next_attempt_at = now()
		WHERE `+cond+`
		RETURNING message_id, bulk_job_id`,
		arg,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue orphans: %w", err)
	}

	type requeued struct{ messageID, jobID string }
	var recovered []requeued
	for rows.Next() {
		var r requeued
		if err := rows.Scan(&r.messageID, &r.jobID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan requeued message: %w", err)
		}
		recovered = append(recovered, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to requeue orphans: %w", err)
	}
	rows.Close()

	for _, r := range recovered {
		if err := appendMessageEventTx(ctx, tx, r.messageID, models.MessageEventRequeued,
			map[string]any{"reason": "orphan_recovery"}); err != nil {
			return 0, err
		}
		if err := moveBulkCounterTx(ctx, tx, r.jobID, bucketSending, bucketQueued); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit requeue: %w", err)
	}
	return len(recovered), nil
}

// CountInflight counts messages currently claimed by any pod. The worker
// pool checks this against its global inflight ceiling before claiming more.
func (s *MessageService) CountInflight(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = 'sending'`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count inflight messages: %w", err)
	}
	return n, nil
}

// CountSentSince counts messages sent on a channel since the cutoff. The
// warmup cap uses this with the current UTC midnight.
func (s *MessageService) CountSentSince(ctx context.Context, channel models.MessageChannel, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel = $1 AND sent_at IS NOT NULL AND sent_at >= $2`,
		channel, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sent messages: %w", err)
	}
	return n, nil
}

// ListMessageEvents returns a message's event log in insertion order.
func (s *MessageService) ListMessageEvents(ctx context.Context, messageID string) ([]*models.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, kind, detail, created_at
		FROM message_events WHERE message_id = $1 ORDER BY id ASC`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list message events: %w", err)
	}
	defer rows.Close()

	var events []*models.MessageEvent
	for rows.Next() {
		var (
			e      models.MessageEvent
			detail string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Kind, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message event: %w", err)
		}
		if detail != "" {
			if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode message event detail: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list message events: %w", err)
	}
	return events, nil
}

// ListDeadLetters returns recent dead letters, newest first.
func (s *MessageService) ListDeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, channel, recipient, error_code, payload, created_at
		FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*models.DeadLetter
	for rows.Next() {
		var (
			d       models.DeadLetter
			payload []byte
		)
		if err := rows.Scan(&d.ID, &d.MessageID, &d.Channel, &d.Recipient,
			&d.ErrorCode, &payload, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		d.Payload = json.RawMessage(payload)
		letters = append(letters, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// DeleteTerminalBefore prunes terminal messages older than the cutoff.
// Message events cascade with their message.
func (s *MessageService) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE created_at < $1
			AND status IN ('sent', 'failed', 'delivered', 'bounced', 'complained', 'suppressed')`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDeadLettersBefore prunes dead letters older than the cutoff.
func (s *MessageService) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old dead letters: %w", err)
	}
	return res.RowsAffected()
}

// resolveIdempotencyTx looks up a message-level idempotency key. Same hash
// returns the prior message; a different hash is a conflict.
func (s *MessageService) resolveIdempotencyTx(ctx context.Context, tx *sql.Tx, key, requestHash string) (*models.Message, error) {
	var rec models.IdempotencyRecord
	err := tx.QueryRowContext(ctx,
		`SELECT key, message_id, job_id, request_hash FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.MessageID, &rec.JobID, &rec.RequestHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if rec.RequestHash != requestHash || rec.MessageID == "" {
		return nil, ErrIdempotencyConflict
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, rec.MessageID)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load deduped message: %w", err)
	}
	return msg, nil
}

// resolveBulkIdempotencyTx is the job-level twin of resolveIdempotencyTx.
func (s *MessageService) resolveBulkIdempotencyTx(ctx context.Context, tx *sql.Tx, key, requestHash string) (*models.BulkJob, error) {
	var rec models.IdempotencyRecord
	err := tx.QueryRowContext(ctx,
		`SELECT key, message_id, job_id, request_hash FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.MessageID, &rec.JobID, &rec.RequestHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if rec.RequestHash != requestHash || rec.JobID == "" {
		return nil, ErrIdempotencyConflict
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE job_id = $1`, rec.JobID)
	job, err := scanBulkJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load deduped bulk job: %w", err)
	}
	return job, nil
}

// insertIdempotencyTx records the key. A concurrent duplicate insert loses on
// the primary key and surfaces as a conflict, which the caller maps to a
// dedupe retry.
func insertIdempotencyTx(ctx context.Context, tx *sql.Tx, key, messageID, jobID, requestHash string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, message_id, job_id, request_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, messageID, jobID, requestHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert idempotency key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

func isSuppressedTx(ctx context.Context, tx *sql.Tx, address string, channel models.MessageChannel) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM suppressions WHERE address = $1 AND channel = $2`,
		address, channel,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}
	return true, nil
}

func insertMessageTx(ctx context.Context, tx *sql.Tx, msg *models.Message) (*models.Message, error) {
	var variables []byte
	if msg.Variables != nil {
		var err error
		variables, err = json.Marshal(msg.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message variables: %w", err)
		}
	}
	scheduledAt := msg.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (message_id, channel, recipient, sender, subject,
			html, text_body, body, template_id, variables, tenant_id,
			bulk_job_id, idempotency_key, status, scheduled_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		RETURNING `+messageColumns,
		msg.MessageID, msg.Channel, msg.To, msg.From, msg.Subject, msg.HTML,
		msg.Text, msg.Body, msg.TemplateID, variables, msg.TenantID,
		msg.BulkJobID, msg.IdempotencyKey, msg.Status, scheduledAt,
	)
	saved, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return saved, nil
}

func appendMessageEventTx(ctx context.Context, tx *sql.Tx, messageID, kind string, detail map[string]any) error {
	detailJSON := ""
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal event detail: %w", err)
		}
		detailJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO message_events (message_id, kind, detail) VALUES ($1, $2, $3)`,
		messageID, kind, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append message event: %w", err)
	}
	return nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m         models.Message
		variables []byte
	)
	err := row.Scan(
		&m.MessageID, &m.Channel, &m.To, &m.From, &m.Subject, &m.HTML, &m.Text,
		&m.Body, &m.TemplateID, &variables, &m.TenantID, &m.BulkJobID,
		&m.IdempotencyKey, &m.Status, &m.RetryCount, &m.ErrorCode,
		&m.ProviderMessageID, &m.ScheduledAt, &m.NextAttemptAt, &m.CreatedAt,
		&m.SentAt, &m.PodID, &m.ClaimedAt, &m.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &m.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode message variables: %w", err)
		}
	}
	return &m, nil
}
