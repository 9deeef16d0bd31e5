package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// HealthService persists provider health snapshots. The live tracker is
// in-memory in pkg/providers; these rows let a restarted pod resume with the
// same degraded/cooldown view instead of rediscovering failures.
type HealthService struct {
	db *sql.DB
}

// NewHealthService creates a new HealthService.
func NewHealthService(client *database.Client) *HealthService {
	return &HealthService{db: client.DB()}
}

// Save upserts one provider's health snapshot.
func (s *HealthService) Save(httpCtx context.Context, h *models.ProviderHealth) error {
	if h.Provider == "" {
		return NewValidationError("provider", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_health (provider, error_count, last_error_at,
			last_success_at, cooldown_until, degraded, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (provider) DO UPDATE SET
			error_count     = EXCLUDED.error_count,
			last_error_at   = EXCLUDED.last_error_at,
			last_success_at = EXCLUDED.last_success_at,
			cooldown_until  = EXCLUDED.cooldown_until,
			degraded        = EXCLUDED.degraded,
			updated_at      = now()`,
		h.Provider, h.ErrorCount, h.LastErrorAt, h.LastSuccessAt,
		h.CooldownUntil, h.Degraded,
	)
	if err != nil {
		return fmt.Errorf("failed to save provider health: %w", err)
	}
	return nil
}

// LoadAll returns every persisted provider health snapshot.
func (s *HealthService) LoadAll(ctx context.Context) ([]*models.ProviderHealth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, error_count, last_error_at, last_success_at,
			cooldown_until, degraded, updated_at
		FROM provider_health ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider health: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.ProviderHealth
	for rows.Next() {
		var h models.ProviderHealth
		if err := rows.Scan(&h.Provider, &h.ErrorCount, &h.LastErrorAt,
			&h.LastSuccessAt, &h.CooldownUntil, &h.Degraded, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider health: %w", err)
		}
		snapshots = append(snapshots, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load provider health: %w", err)
	}
	return snapshots, nil
}
