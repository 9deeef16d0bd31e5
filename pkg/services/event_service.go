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

// EventService reads the persisted event log. Writes happen in pkg/events
// (the publisher persists and notifies in the producing transaction); this
// service serves since=N replay for SSE subscribers and retention pruning.
type EventService struct {
	db *sql.DB
}

// NewEventService creates a new EventService.
func NewEventService(client *database.Client) *EventService {
	return &EventService{db: client.DB()}
}

// ListSince returns events on a topic with id > sinceID in id order. The
// firehose channel replays across all topics.
func (s *EventService) ListSince(ctx context.Context, topic string, sinceID int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 500
	}

	query := `SELECT id, topic, type, call_sid, payload, created_at
		FROM events WHERE id > $1`
	args := []any{sinceID}
	if topic != "" && topic != events.ChannelAll {
		query += ` AND topic = $3`
		args = append(args, limit, topic)
	} else {
		args = append(args, limit)
	}
	query += ` ORDER BY id ASC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var list []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		list = append(list, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return list, nil
}

// LatestID returns the highest event id, 0 when the log is empty. New
// subscribers without a cursor start live from here.
func (s *EventService) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return id, nil
}

// DeleteBefore prunes events older than the cutoff. Replay cursors older
// than retention resume live with a gap, which SSE clients tolerate.
func (s *EventService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		ev      models.Event
		payload []byte
	)
	if err := row.Scan(&ev.ID, &ev.Topic, &ev.Type, &ev.CallSID, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}
