package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// WebhookDeliveryService is the audit and dedupe log for inbound carrier
// webhooks. Carriers redeliver on slow ACKs, so every delivery is recorded
// and duplicates within the dedupe window are flagged rather than replayed
// into the call.
type WebhookDeliveryService struct {
	db     *sql.DB
	window time.Duration
}

// NewWebhookDeliveryService creates a new WebhookDeliveryService with the
// given dedupe window.
func NewWebhookDeliveryService(client *database.Client, window time.Duration) *WebhookDeliveryService {
	if window <= 0 {
		window = 2 * time.Second
	}
	return &WebhookDeliveryService{db: client.DB(), window: window}
}

// Record logs one inbound webhook and reports whether an identical delivery
// (same dedupe key) already landed within the window. The duplicate row is
// kept for audit; callers skip processing when duplicate is true.
func (s *WebhookDeliveryService) Record(httpCtx context.Context, provider, callSID, eventType, dedupeKey string) (*models.WebhookDelivery, bool, error) {
	if provider == "" {
		return nil, false, NewValidationError("provider", "required")
	}
	if eventType == "" {
		return nil, false, NewValidationError("event_type", "required")
	}
	if dedupeKey == "" {
		return nil, false, NewValidationError("dedupe_key", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var priorCount int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_deliveries
		WHERE dedupe_key = $1 AND created_at > now() - $2::interval AND NOT duplicate`,
		dedupeKey, fmt.Sprintf("%d milliseconds", s.window.Milliseconds()),
	).Scan(&priorCount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check webhook dedupe: %w", err)
	}
	duplicate := priorCount > 0

	row := tx.QueryRowContext(ctx, `
		INSERT INTO webhook_deliveries (provider, call_sid, event_type, dedupe_key, duplicate)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, provider, call_sid, event_type, dedupe_key, duplicate, created_at`,
		provider, callSID, eventType, dedupeKey, duplicate,
	)
	var d models.WebhookDelivery
	if err := row.Scan(&d.ID, &d.Provider, &d.CallSID, &d.EventType, &d.DedupeKey,
		&d.Duplicate, &d.CreatedAt); err != nil {
		return nil, false, fmt.Errorf("failed to record webhook delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit webhook delivery: %w", err)
	}
	return &d, duplicate, nil
}

// ListByCall returns a call's webhook deliveries in arrival order.
func (s *WebhookDeliveryService) ListByCall(ctx context.Context, callSID string) ([]*models.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, call_sid, event_type, dedupe_key, duplicate, created_at
		FROM webhook_deliveries WHERE call_sid = $1 ORDER BY id ASC`,
		callSID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.Provider, &d.CallSID, &d.EventType,
			&d.DedupeKey, &d.Duplicate, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	return deliveries, nil
}

// DeleteBefore prunes webhook delivery rows older than the cutoff.
func (s *WebhookDeliveryService) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old webhook deliveries: %w", err)
	}
	return res.RowsAffected()
}
