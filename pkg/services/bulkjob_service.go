package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// BulkJobService reads bulk job aggregates. Jobs are created by
// MessageService.CreateBulk in the same transaction as their messages;
// counters move alongside message status changes.
type BulkJobService struct {
	db *sql.DB
}

// NewBulkJobService creates a new BulkJobService.
func NewBulkJobService(client *database.Client) *BulkJobService {
	return &BulkJobService{db: client.DB()}
}

const bulkJobColumns = `job_id, channel, template_id, tenant_id, total, queued,
	sending, sent, delivered, failed, suppressed, created_at, completed_at`

// GetJob returns one bulk job with its live counters.
func (s *BulkJobService) GetJob(ctx context.Context, jobID string) (*models.BulkJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bulkJobColumns+` FROM bulk_jobs WHERE job_id = $1`, jobID)
	job, err := scanBulkJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bulk job: %w", err)
	}
	return job, nil
}

// ListJobs returns recent bulk jobs, newest first.
func (s *BulkJobService) ListJobs(ctx context.Context, limit int) ([]*models.BulkJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bulkJobColumns+` FROM bulk_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BulkJob
	for rows.Next() {
		job, err := scanBulkJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulk job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list bulk jobs: %w", err)
	}
	return jobs, nil
}

func scanBulkJob(row rowScanner) (*models.BulkJob, error) {
	var j models.BulkJob
	err := row.Scan(&j.JobID, &j.Channel, &j.TemplateID, &j.TenantID, &j.Total,
		&j.Queued, &j.Sending, &j.Sent, &j.Delivered, &j.Failed, &j.Suppressed,
		&j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Counter buckets a bulk message occupies through its lifecycle. The retry
// status shares the queued bucket: a retrying message is back in line.
const (
	bucketQueued     = "queued"
	bucketSending    = "sending"
	bucketSent       = "sent"
	bucketDelivered  = "delivered"
	bucketFailed     = "failed"
	bucketSuppressed = "suppressed"
)

var bulkBuckets = map[string]bool{
	bucketQueued:     true,
	bucketSending:    true,
	bucketSent:       true,
	bucketDelivered:  true,
	bucketFailed:     true,
	bucketSuppressed: true,
}

// moveBulkCounterTx shifts one message between two counter buckets and
// stamps completed_at once no messages remain in flight. Runs inside the
// transaction that changes the message's status so counters never drift.
func moveBulkCounterTx(ctx context.Context, tx *sql.Tx, jobID, from, to string) error {
	if jobID == "" || from == to {
		return nil
	}
	if !bulkBuckets[from] || !bulkBuckets[to] {
		return fmt.Errorf("unknown bulk counter bucket %q -> %q", from, to)
	}

	// GREATEST guards against double-moves under crash replay.
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE bulk_jobs SET %s = GREATEST(%s - 1, 0), %s = %s + 1 WHERE job_id = $1`,
		from, from, to, to), jobID)
	if err != nil {
		return fmt.Errorf("failed to move bulk counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bulk_jobs SET completed_at = now()
		WHERE job_id = $1 AND completed_at IS NULL
			AND queued + sending + sent = 0`, jobID)
	if err != nil {
		return fmt.Errorf("failed to check bulk completion: %w", err)
	}
	return nil
}

// statusBucket maps a message status to the bulk counter bucket it occupies.
func statusBucket(status models.MessageStatus) string {
	switch status {
	case models.MessageQueued, models.MessageRetry:
		return bucketQueued
	case models.MessageSending:
		return bucketSending
	case models.MessageSent:
		return bucketSent
	case models.MessageDelivered:
		return bucketDelivered
	case models.MessageFailed, models.MessageBounced, models.MessageComplained:
		return bucketFailed
	case models.MessageSuppressed:
		return bucketSuppressed
	}
	return ""
}
