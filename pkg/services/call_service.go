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
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// callColumns is the canonical column list scanned by scanCall.
const callColumns = `call_sid, phone_number, direction, provider, provider_call_id,
	prompt, first_message, owner_subject, status, carrier_status, answered_by,
	error_code, created_at, started_at, ended_at, duration_ms, ring_ms,
	answer_delay_ms, summary, analysis, digit_summary, digit_count, last_otp,
	last_otp_masked, last_seq`

// CallService manages call rows and the append-only transition log.
type CallService struct {
	db *sql.DB
}

// NewCallService creates a new CallService.
func NewCallService(client *database.Client) *CallService {
	return &CallService{db: client.DB()}
}

// CallUpdate carries optional calls-row field updates applied atomically with
// a transition append. Nil fields are left untouched.
type CallUpdate struct {
	Provider       *string
	ProviderCallID *string
	Prompt         *string
	CarrierStatus  *string
	AnsweredBy     *models.AnsweredBy
	ErrorCode      *string
	StartedAt      *time.Time
	EndedAt        *time.Time
	DurationMS     *int64
	RingMS         *int64
	AnswerDelayMS  *int64
	Summary        *string
	Analysis       *string
	DigitSummary   *string
	DigitCount     *int
	LastOTP        *string
	LastOTPMasked  *string
}

// UpsertCall creates a call row or refreshes its request-supplied fields.
// Lifecycle columns (status, last_seq, timing) are never touched here — they
// move only through AppendTransition.
func (s *CallService) UpsertCall(httpCtx context.Context, call *models.Call) (*models.Call, error) {
	if call.CallSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if call.PhoneNumber == "" {
		return nil, NewValidationError("phone_number", "required")
	}
	if call.Direction == "" {
		call.Direction = models.DirectionOutbound
	}
	if call.Status == "" {
		call.Status = models.CallStatusCreated
	}
	if call.AnsweredBy == "" {
		call.AnsweredBy = models.AnsweredByUnknown
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO calls (call_sid, phone_number, direction, provider,
			provider_call_id, prompt, first_message, owner_subject, status, answered_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (call_sid) DO UPDATE SET
			phone_number     = EXCLUDED.phone_number,
			provider         = EXCLUDED.provider,
			provider_call_id = EXCLUDED.provider_call_id,
			prompt           = EXCLUDED.prompt,
			first_message    = EXCLUDED.first_message,
			owner_subject    = EXCLUDED.owner_subject
		RETURNING `+callColumns,
		call.CallSID, call.PhoneNumber, call.Direction, call.Provider,
		call.ProviderCallID, call.Prompt, call.FirstMessage, call.OwnerSubject,
		call.Status, call.AnsweredBy,
	)

	saved, err := scanCall(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert call: %w", err)
	}
	return saved, nil
}

// GetCall retrieves a call by its carrier SID.
func (s *CallService) GetCall(ctx context.Context, callSID string) (*models.Call, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE call_sid = $1`, callSID)

	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// GetCallByProviderID resolves a call from the carrier's own identifier.
// Adapters whose webhooks cannot echo our SID go through this lookup.
func (s *CallService) GetCallByProviderID(ctx context.Context, providerCallID string) (*models.Call, error) {
	if providerCallID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE provider_call_id = $1`, providerCallID)

	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get call by provider id: %w", err)
	}
	return call, nil
}

// ListCalls lists recent calls with keyset pagination, newest first.
// The cursor is opaque to callers; an empty cursor starts from the newest.
func (s *CallService) ListCalls(ctx context.Context, filters models.CallFilters) (*models.CallListPage, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
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
		if !filters.Status.Valid() {
			return nil, NewValidationError("status", "unknown status")
		}
		where = append(where, "status = "+arg(filters.Status))
	}
	if filters.Direction != "" {
		where = append(where, "direction = "+arg(filters.Direction))
	}
	if filters.Owner != "" {
		where = append(where, "owner_subject = "+arg(filters.Owner))
	}
	if filters.Query != "" {
		n := arg(filters.Query)
		where = append(where, "(to_tsvector('english', prompt) @@ plainto_tsquery("+n+")"+
			" OR to_tsvector('english', summary) @@ plainto_tsquery("+n+"))")
	}
	if filters.Cursor != "" {
		createdAt, callSID, err := decodeCallCursor(filters.Cursor)
		if err != nil {
			return nil, NewValidationError("cursor", "malformed cursor")
		}
		where = append(where, "(created_at, call_sid) < ("+arg(createdAt)+", "+arg(callSID)+")")
	}

	query := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, call_sid DESC LIMIT " + arg(limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*models.Call, 0, limit)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}

	page := &models.CallListPage{Calls: calls}
	if len(calls) > limit {
		page.Calls = calls[:limit]
		last := page.Calls[limit-1]
		page.NextCursor = encodeCallCursor(last.CreatedAt, last.CallSID)
	}
	return page, nil
}

// AppendTransition appends one entry to the call's state log. Inside a single
// transaction it (a) locks the calls row, (b) inserts the transition with
// seq = last_seq + 1, (c) applies the field updates and new status to the
// calls row, and (d) publishes a call.status event whose NOTIFY fires at
// COMMIT. The row lock serializes concurrent writers, keeping seq dense.
//
// Terminal calls reject all appends with ErrTerminalState; post-terminal
// happenings are notification-only and never create transitions.
func (s *CallService) AppendTransition(httpCtx context.Context, callSID string, state models.CallStatus, kind string, data json.RawMessage, update *CallUpdate) (*models.CallTransition, error) {
	if callSID == "" {
		return nil, NewValidationError("call_sid", "required")
	}
	if !state.Valid() {
		return nil, NewValidationError("state", "unknown state")
	}
	if kind == "" {
		return nil, NewValidationError("kind", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current models.CallStatus
		lastSeq int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, last_seq FROM calls WHERE call_sid = $1 FOR UPDATE`,
		callSID,
	).Scan(&current, &lastSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock call row: %w", err)
	}

	if current.IsTerminal() {
		return nil, ErrTerminalState
	}

	seq := lastSeq + 1
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO call_states (call_sid, seq, state, kind, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		callSID, seq, state, kind, []byte(data), now,
	); err != nil {
		return nil, fmt.Errorf("failed to insert transition: %w", err)
	}

	set := []string{"status = $2", "last_seq = $3"}
	args := []any{callSID, state, seq}
	addSet := func(col string, v any) {
		args = append(args, v)
		set = append(set, col+" = $"+strconv.Itoa(len(args)))
	}
	if update != nil {
		if update.Provider != nil {
			addSet("provider", *update.Provider)
		}
		if update.ProviderCallID != nil {
			addSet("provider_call_id", *update.ProviderCallID)
		}
		if update.Prompt != nil {
			addSet("prompt", *update.Prompt)
		}
		if update.CarrierStatus != nil {
			addSet("carrier_status", *update.CarrierStatus)
		}
		if update.AnsweredBy != nil {
			addSet("answered_by", *update.AnsweredBy)
		}
		if update.ErrorCode != nil {
			addSet("error_code", *update.ErrorCode)
		}
		if update.StartedAt != nil {
			addSet("started_at", *update.StartedAt)
		}
		if update.EndedAt != nil {
			addSet("ended_at", *update.EndedAt)
		}
		if update.DurationMS != nil {
			addSet("duration_ms", *update.DurationMS)
		}
		if update.RingMS != nil {
			addSet("ring_ms", *update.RingMS)
		}
		if update.AnswerDelayMS != nil {
			addSet("answer_delay_ms", *update.AnswerDelayMS)
		}
		if update.Summary != nil {
			addSet("summary", *update.Summary)
		}
		if update.Analysis != nil {
			addSet("analysis", *update.Analysis)
		}
		if update.DigitSummary != nil {
			addSet("digit_summary", *update.DigitSummary)
		}
		if update.DigitCount != nil {
			addSet("digit_count", *update.DigitCount)
		}
		if update.LastOTP != nil {
			addSet("last_otp", *update.LastOTP)
		}
		if update.LastOTPMasked != nil {
			addSet("last_otp_masked", *update.LastOTPMasked)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE calls SET `+strings.Join(set, ", ")+` WHERE call_sid = $1`,
		args...,
	); err != nil {
		return nil, fmt.Errorf("failed to update call row: %w", err)
	}

	// SLO violations keep their own event type so subscribers can filter
	// them without parsing status payloads; the transition data blob is
	// already the violation detail.
	eventType := events.EventTypeCallStatus
	var payloadJSON []byte
	if kind == models.TransitionKindSLO {
		eventType = events.EventTypeSLOViolation
		payloadJSON = data
	} else {
		payload := events.CallStatusPayload{
			CallSID:   callSID,
			Seq:       seq,
			Status:    state,
			Kind:      kind,
			Data:      data,
			Timestamp: now.Format(time.RFC3339Nano),
		}
		if state == models.CallStatusFailed && update != nil && update.ErrorCode != nil {
			payload.Reason = *update.ErrorCode
		}
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transition event: %w", err)
		}
	}
	if _, err := events.PublishTx(ctx, tx, events.CallTopic(callSID), eventType, callSID, payloadJSON); err != nil {
		return nil, fmt.Errorf("failed to publish transition event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return &models.CallTransition{
		CallSID:   callSID,
		Seq:       seq,
		State:     state,
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
	}, nil
}

// ListTransitions returns a call's transitions with seq > sinceSeq in order.
func (s *CallService) ListTransitions(ctx context.Context, callSID string, sinceSeq, limit int) ([]*models.CallTransition, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT call_sid, seq, state, kind, data, created_at
		 FROM call_states WHERE call_sid = $1 AND seq > $2
		 ORDER BY seq ASC LIMIT $3`,
		callSID, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*models.CallTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	return transitions, nil
}

// LatestTransitionByState returns the most recent transition that put the
// call into the given state.
func (s *CallService) LatestTransitionByState(ctx context.Context, callSID string, state models.CallStatus) (*models.CallTransition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT call_sid, seq, state, kind, data, created_at
		 FROM call_states WHERE call_sid = $1 AND state = $2
		 ORDER BY seq DESC LIMIT 1`,
		callSID, state,
	)
	t, err := scanTransition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transition: %w", err)
	}
	return t, nil
}

// LatestTransitionByKind returns the most recent transition of a kind,
// regardless of state. Used to recover the persisted expectation mirror.
func (s *CallService) LatestTransitionByKind(ctx context.Context, callSID, kind string) (*models.CallTransition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT call_sid, seq, state, kind, data, created_at
		 FROM call_states WHERE call_sid = $1 AND kind = $2
		 ORDER BY seq DESC LIMIT 1`,
		callSID, kind,
	)
	t, err := scanTransition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transition: %w", err)
	}
	return t, nil
}

// CountActiveCalls returns the number of calls not yet terminal. The
// orchestrator seeds its admission counter from this at startup.
func (s *CallService) CountActiveCalls(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE status NOT IN ($1, $2)`,
		models.CallStatusEnded, models.CallStatusFailed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active calls: %w", err)
	}
	return n, nil
}

// ListActiveCalls returns every non-terminal call, oldest first. The
// orchestrator walks these at startup to rebuild the in-memory call tasks a
// previous pod was driving.
func (s *CallService) ListActiveCalls(ctx context.Context) ([]*models.Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE status NOT IN ($1, $2) ORDER BY created_at ASC`,
		models.CallStatusEnded, models.CallStatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.Call
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list active calls: %w", err)
	}
	return calls, nil
}

// DeleteTransitionsBefore prunes transition rows older than the cutoff.
func (s *CallService) DeleteTransitionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_states WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old transitions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalBefore prunes terminal calls older than the cutoff. Child
// rows (transitions, transcripts, digit material) go with them by cascade.
func (s *CallService) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE status IN ($1, $2) AND created_at < $3`,
		models.CallStatusEnded, models.CallStatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old calls: %w", err)
	}
	return res.RowsAffected()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	err := row.Scan(
		&c.CallSID, &c.PhoneNumber, &c.Direction, &c.Provider, &c.ProviderCallID,
		&c.Prompt, &c.FirstMessage, &c.OwnerSubject, &c.Status, &c.CarrierStatus,
		&c.AnsweredBy, &c.ErrorCode, &c.CreatedAt, &c.StartedAt, &c.EndedAt,
		&c.DurationMS, &c.RingMS, &c.AnswerDelayMS, &c.Summary, &c.Analysis,
		&c.DigitSummary, &c.DigitCount, &c.LastOTP, &c.LastOTPMasked, &c.LastSeq,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanTransition(row rowScanner) (*models.CallTransition, error) {
	var (
		t    models.CallTransition
		data []byte
	)
	if err := row.Scan(&t.CallSID, &t.Seq, &t.State, &t.Kind, &data, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Data = json.RawMessage(data)
	return &t, nil
}

// encodeCallCursor packs the keyset position into an opaque cursor.
func encodeCallCursor(createdAt time.Time, callSID string) string {
	return strconv.FormatInt(createdAt.UnixNano(), 10) + "|" + callSID
}

// decodeCallCursor unpacks a cursor produced by encodeCallCursor.
func decodeCallCursor(cursor string) (time.Time, string, error) {
	nanos, callSID, ok := strings.Cut(cursor, "|")
	if !ok || callSID == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor: %w", err)
	}
	return time.Unix(0, n).UTC(), callSID, nil
}
