package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// MetricService maintains the idempotent daily counters. Rows are
// (date, kind, outcome) keyed so replays increment instead of duplicating.
type MetricService struct {
	db *sql.DB
}

// NewMetricService creates a new MetricService.
func NewMetricService(client *database.Client) *MetricService {
	return &MetricService{db: client.DB()}
}

// Increment bumps one daily counter under today's UTC date.
func (s *MetricService) Increment(httpCtx context.Context, kind, outcome string) error {
	if kind == "" {
		return NewValidationError("kind", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (date, kind, outcome, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (date, kind, outcome) DO UPDATE SET count = metrics.count + 1`,
		time.Now().UTC().Format("2006-01-02"), kind, outcome,
	)
	if err != nil {
		return fmt.Errorf("failed to increment metric: %w", err)
	}
	return nil
}

// IncrementBy bumps one daily counter by n, for batched outcomes.
func (s *MetricService) IncrementBy(httpCtx context.Context, kind, outcome string, n int64) error {
	if kind == "" {
		return NewValidationError("kind", "required")
	}
	if n <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metrics (date, kind, outcome, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (date, kind, outcome) DO UPDATE SET count = metrics.count + $4`,
		time.Now().UTC().Format("2006-01-02"), kind, outcome, n,
	)
	if err != nil {
		return fmt.Errorf("failed to increment metric: %w", err)
	}
	return nil
}

// Range returns counters for dates in [from, to], both YYYY-MM-DD UTC.
func (s *MetricService) Range(ctx context.Context, from, to string) ([]*models.MetricCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, kind, outcome, count FROM metrics
		WHERE date >= $1 AND date <= $2
		ORDER BY date ASC, kind ASC, outcome ASC`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.MetricCounter
	for rows.Next() {
		var m models.MetricCounter
		if err := rows.Scan(&m.Date, &m.Kind, &m.Outcome, &m.Count); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	return out, nil
}

// DeleteBefore prunes counter rows dated before cutoff (YYYY-MM-DD UTC).
// Lexicographic compare works because the date format is fixed-width.
func (s *MetricService) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old metrics: %w", err)
	}
	return res.RowsAffected()
}
