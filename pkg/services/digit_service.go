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
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// DigitService persists digit capture outcomes and the per-call expectation
// row. The capture engine owns the live expectation; the row is its crash
// recovery mirror.
type DigitService struct {
	db *sql.DB
}

// NewDigitService creates a new DigitService.
func NewDigitService(client *database.Client) *DigitService {
	return &DigitService{db: client.DB()}
}

var validProfiles = map[models.DigitProfile]bool{
	models.ProfileGeneric:      true,
	models.ProfileVerification: true,
	models.ProfileCard:         true,
	models.ProfileCVV:          true,
	models.ProfileBanking:      true,
}

// RecordDigitEvent stores an acceptance or rejection and publishes a
// call.digits event in the same transaction. The caller builds the event
// payload because masking and plan position live in the capture engine;
// event.Digits arrives pre-encrypted under compliance mode "safe".
func (s *DigitService) RecordDigitEvent(httpCtx context.Context, event *models.DigitEvent, payload events.DigitPayload) (*models.DigitEvent, error) {
	if event.CallSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if event.Source == "" {
		return nil, NewValidationError("source", "required")
	}
	if !validProfiles[event.Profile] {
		return nil, NewValidationError("profile", "unknown profile")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal digit metadata: %w", err)
		}
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
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO digit_events (id, call_sid, source, profile, digits, len,
			accepted, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, event.CallSID, event.Source, event.Profile, event.Digits,
		event.Len, event.Accepted, event.Reason, metadata, now,
	); err != nil {
		return nil, fmt.Errorf("failed to insert digit event: %w", err)
	}
	event.CreatedAt = now

	payload.CallSID = event.CallSID
	payload.Timestamp = now.Format(time.RFC3339Nano)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal digit event: %w", err)
	}
	_, err = events.PublishTx(ctx, tx, events.CallTopic(event.CallSID),
		events.EventTypeCallDigits, event.CallSID, payloadJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to publish digit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit digit event: %w", err)
	}
	return event, nil
}

// ListDigitEvents returns a call's digit events oldest first. Digit payloads
// never serialize; callers see lengths, profiles and outcomes only.
func (s *DigitService) ListDigitEvents(ctx context.Context, callSID string) ([]*models.DigitEvent, error) {
	if callSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, call_sid, source, profile, digits, len, accepted, reason,
			metadata, created_at
		FROM digit_events WHERE call_sid = $1 ORDER BY created_at ASC`,
		callSID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list digit events: %w", err)
	}
	defer rows.Close()

	var out []*models.DigitEvent
	for rows.Next() {
		var (
			e        models.DigitEvent
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.CallSID, &e.Source, &e.Profile, &e.Digits,
			&e.Len, &e.Accepted, &e.Reason, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan digit event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal digit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list digit events: %w", err)
	}
	return out, nil
}

// SetExpectation installs or replaces the call's single expectation row.
func (s *DigitService) SetExpectation(httpCtx context.Context, exp *models.Expectation) (*models.Expectation, error) {
	if exp.CallSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if !validProfiles[exp.Profile] {
		return nil, NewValidationError("profile", "unknown profile")
	}
	if exp.MinLen < 1 {
		return nil, NewValidationError("min_len", "must be at least 1")
	}
	if exp.MaxLen < exp.MinLen {
		return nil, NewValidationError("max_len", "must be >= min_len")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expectations (call_sid, profile, min_len, max_len, terminator,
			plan_id, plan_step_index, retries, max_retries, end_call_on_success,
			prompt, reprompt, failure_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (call_sid) DO UPDATE SET
			profile             = EXCLUDED.profile,
			min_len             = EXCLUDED.min_len,
			max_len             = EXCLUDED.max_len,
			terminator          = EXCLUDED.terminator,
			plan_id             = EXCLUDED.plan_id,
			plan_step_index     = EXCLUDED.plan_step_index,
			retries             = EXCLUDED.retries,
			max_retries         = EXCLUDED.max_retries,
			end_call_on_success = EXCLUDED.end_call_on_success,
			prompt              = EXCLUDED.prompt,
			reprompt            = EXCLUDED.reprompt,
			failure_message     = EXCLUDED.failure_message,
			created_at          = EXCLUDED.created_at`,
		exp.CallSID, exp.Profile, exp.MinLen, exp.MaxLen, exp.Terminator,
		exp.PlanID, exp.PlanStepIndex, exp.Retries, exp.MaxRetries,
		exp.EndCallOnSuccess, exp.Prompt, exp.Reprompt, exp.FailureMessage, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set expectation: %w", err)
	}
	exp.CreatedAt = now
	return exp, nil
}

// GetExpectation returns the call's active expectation, if any.
func (s *DigitService) GetExpectation(ctx context.Context, callSID string) (*models.Expectation, error) {
	var exp models.Expectation
	err := s.db.QueryRowContext(ctx, `
		SELECT call_sid, profile, min_len, max_len, terminator, plan_id,
			plan_step_index, retries, max_retries, end_call_on_success,
			prompt, reprompt, failure_message, created_at
		FROM expectations WHERE call_sid = $1`,
		callSID,
	).Scan(&exp.CallSID, &exp.Profile, &exp.MinLen, &exp.MaxLen, &exp.Terminator,
		&exp.PlanID, &exp.PlanStepIndex, &exp.Retries, &exp.MaxRetries,
		&exp.EndCallOnSuccess, &exp.Prompt, &exp.Reprompt, &exp.FailureMessage,
		&exp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get expectation: %w", err)
	}
	return &exp, nil
}

// ClearExpectation removes the call's expectation row. Clearing an absent
// row is not an error; capture teardown races call teardown.
func (s *DigitService) ClearExpectation(httpCtx context.Context, callSID string) error {
	if callSID == "" {
		return NewValidationError("call_sid", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM expectations WHERE call_sid = $1`, callSID); err != nil {
		return fmt.Errorf("failed to clear expectation: %w", err)
	}
	return nil
}

// DeleteEventsBefore prunes digit event rows older than the cutoff.
func (s *DigitService) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM digit_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old digit events: %w", err)
	}
	return res.RowsAffected()
}
