package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// TranscriptService persists call transcript lines and fans them out to the
// per-call transcript channel. Partial (streaming STT) and final lines share
// the table; callers mask sensitive digit spans before handing lines in.
type TranscriptService struct {
	db *sql.DB
}

// NewTranscriptService creates a new TranscriptService.
func NewTranscriptService(client *database.Client) *TranscriptService {
	return &TranscriptService{db: client.DB()}
}

// Append stores one transcript line and publishes a call.transcript event in
// the same transaction. Seq is assigned here, dense per call; a single pump
// goroutine writes per call, so MAX+1 under the insert is race-free.
func (s *TranscriptService) Append(httpCtx context.Context, entry *models.TranscriptEntry) (*models.TranscriptEntry, error) {
	if entry.CallSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if entry.Speaker != models.SpeakerUser && entry.Speaker != models.SpeakerAI {
		return nil, NewValidationError("speaker", "must be user or ai")
	}
	if entry.Message == "" {
		return nil, NewValidationError("message", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	err = tx.QueryRowContext(ctx, `
		INSERT INTO transcripts (call_sid, seq, speaker, message, final,
			interaction_count, personality, confidence, created_at)
		VALUES ($1,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM transcripts WHERE call_sid = $1),
			$2, $3, $4, $5, $6, $7, $8)
		RETURNING seq`,
		entry.CallSID, entry.Speaker, entry.Message, entry.Final,
		entry.InteractionCount, entry.Personality, entry.Confidence, now,
	).Scan(&entry.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transcript: %w", err)
	}
	entry.CreatedAt = now

	payload, err := json.Marshal(events.TranscriptPayload{
		CallSID:   entry.CallSID,
		Seq:       entry.Seq,
		Speaker:   entry.Speaker,
		Message:   entry.Message,
		Final:     entry.Final,
		Timestamp: now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript event: %w", err)
	}
	_, err = events.PublishTx(ctx, tx, events.CallTopic(entry.CallSID),
		events.EventTypeCallTranscript, entry.CallSID, payload,
		events.TranscriptChannel(entry.CallSID))
	if err != nil {
		return nil, fmt.Errorf("failed to publish transcript event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transcript: %w", err)
	}
	return entry, nil
}

// List returns a call's transcript lines with seq > sinceSeq in order.
// finalOnly drops streaming partials, which is what summary synthesis and
// the notification templates want.
func (s *TranscriptService) List(ctx context.Context, callSID string, sinceSeq, limit int, finalOnly bool) ([]*models.TranscriptEntry, error) {
	if callSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT call_sid, seq, speaker, message, final, interaction_count,
		personality, confidence, created_at
		FROM transcripts WHERE call_sid = $1 AND seq > $2`
	if finalOnly {
		query += ` AND final`
	}
	query += ` ORDER BY seq ASC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, callSID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var entries []*models.TranscriptEntry
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.CallSID, &e.Seq, &e.Speaker, &e.Message, &e.Final,
			&e.InteractionCount, &e.Personality, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	return entries, nil
}

// DeleteBefore prunes transcript rows older than the cutoff.
func (s *TranscriptService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM transcripts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transcripts: %w", err)
	}
	return res.RowsAffected()
}
