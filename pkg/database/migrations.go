package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
)

// CreateGINIndexes creates full-text search GIN indexes for PostgreSQL.
// These back the `q` parameter on the call list endpoint.
func CreateGINIndexes(ctx context.Context, db *stdsql.DB) error {
	// GIN index for prompt full-text search
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_calls_prompt_gin
		ON calls USING gin(to_tsvector('english', prompt))`)
	if err != nil {
		return fmt.Errorf("failed to create prompt GIN index: %w", err)
	}

	// GIN index for summary full-text search
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_calls_summary_gin
		ON calls USING gin(to_tsvector('english', COALESCE(summary, '')))`)
	if err != nil {
		return fmt.Errorf("failed to create summary GIN index: %w", err)
	}

	return nil
}
