package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// SuppressionService manages the do-not-contact list. Entries are written by
// operators and by provider bounce/complaint reconciliation; enqueue and the
// delivery worker both consult it.
type SuppressionService struct {
	db *sql.DB
}

// NewSuppressionService creates a new SuppressionService.
func NewSuppressionService(client *database.Client) *SuppressionService {
	return &SuppressionService{db: client.DB()}
}

// Set adds or refreshes a suppression for an address on a channel.
func (s *SuppressionService) Set(httpCtx context.Context, address string, channel models.MessageChannel, reason models.SuppressionReason, source string) (*models.Suppression, error) {
	if address == "" {
		return nil, NewValidationError("address", "required")
	}
	if channel != models.ChannelSMS && channel != models.ChannelEmail {
		return nil, NewValidationError("channel", "unknown channel")
	}
	if reason == "" {
		reason = models.SuppressionManual
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO suppressions (address, channel, reason, source, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address, channel) DO UPDATE SET
			reason = EXCLUDED.reason,
			source = EXCLUDED.source,
			updated_at = now()
		RETURNING address, channel, reason, source, updated_at`,
		address, channel, reason, source,
	)
	var sup models.Suppression
	if err := row.Scan(&sup.Address, &sup.Channel, &sup.Reason, &sup.Source, &sup.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to set suppression: %w", err)
	}
	return &sup, nil
}

// Get returns the suppression for an address on a channel, or ErrNotFound.
func (s *SuppressionService) Get(ctx context.Context, address string, channel models.MessageChannel) (*models.Suppression, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, channel, reason, source, updated_at
		FROM suppressions WHERE address = $1 AND channel = $2`,
		address, channel,
	)
	var sup models.Suppression
	err := row.Scan(&sup.Address, &sup.Channel, &sup.Reason, &sup.Source, &sup.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get suppression: %w", err)
	}
	return &sup, nil
}

// IsSuppressed reports whether an address is currently suppressed.
func (s *SuppressionService) IsSuppressed(ctx context.Context, address string, channel models.MessageChannel) (bool, error) {
	_, err := s.Get(ctx, address, channel)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Clear removes a suppression. Clearing an absent entry is not an error.
func (s *SuppressionService) Clear(httpCtx context.Context, address string, channel models.MessageChannel) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE address = $1 AND channel = $2`,
		address, channel,
	)
	if err != nil {
		return fmt.Errorf("failed to clear suppression: %w", err)
	}
	return nil
}

// List returns suppressions on a channel, most recently updated first. An
// empty channel lists all.
func (s *SuppressionService) List(ctx context.Context, channel models.MessageChannel, limit int) ([]*models.Suppression, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT address, channel, reason, source, updated_at FROM suppressions`
	args := []any{limit}
	if channel != "" {
		query += ` WHERE channel = $2`
		args = append(args, channel)
	}
	query += ` ORDER BY updated_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	defer rows.Close()

	var sups []*models.Suppression
	for rows.Next() {
		var sup models.Suppression
		if err := rows.Scan(&sup.Address, &sup.Channel, &sup.Reason, &sup.Source, &sup.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suppression: %w", err)
		}
		sups = append(sups, &sup)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list suppressions: %w", err)
	}
	return sups, nil
}
