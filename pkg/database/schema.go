package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
)

// optionalColumn is one forward-compat column ensured at open. Columns land
// here before their backfill ships as a numbered migration: an older schema
// gains them on first boot of a newer binary, so mixed-version deploys keep
// working. Every entry must be nullable or carry a DEFAULT.
type optionalColumn struct {
	table      string
	column     string
	definition string
}

var optionalColumns = []optionalColumn{
	// Carrier-native call identifier. The durable call_sid is allocated by
	// the orchestrator; adapters that key their webhooks by their own id
	// (Vonage conversation uuids) are resolved through this column.
	{"calls", "provider_call_id", "TEXT NOT NULL DEFAULT ''"},
}

// EnsureOptionalColumns adds any missing forward-compat columns. Runs after
// the numbered migrations so the base tables are guaranteed to exist.
func EnsureOptionalColumns(ctx context.Context, db *stdsql.DB) error {
	for _, col := range optionalColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			col.table, col.column, col.definition)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure column %s.%s: %w", col.table, col.column, err)
		}
	}
	if len(optionalColumns) > 0 {
		slog.Debug("Optional schema columns ensured", "count", len(optionalColumns))
	}
	return nil
}
