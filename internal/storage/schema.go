package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

const jobsTable = "tablescan.extraction_jobs"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QualifiedName is a validated schema.table pair
type QualifiedName struct {
	Schema string
	Table  string
}

// ParseQualifiedName accepts "schema.table" with plain SQL identifiers only
func ParseQualifiedName(name string) (QualifiedName, error) {
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return QualifiedName{}, fmt.Errorf("table name must be schema-qualified, got %q", name)
	}
	for _, p := range parts {
		if !identifierPattern.MatchString(p) {
			return QualifiedName{}, fmt.Errorf("invalid identifier %q in table name %q", p, name)
		}
	}
	return QualifiedName{Schema: parts[0], Table: parts[1]}, nil
}

// Quoted renders the name for use in SQL text
func (q QualifiedName) Quoted() string {
	return pq.QuoteIdentifier(q.Schema) + "." + pq.QuoteIdentifier(q.Table)
}

func (q QualifiedName) String() string {
	return q.Schema + "." + q.Table
}

// EnsureSchema creates the job table and the material issue table if missing.
// Existing tables are left untouched.
func EnsureSchema(ctx context.Context, db *sql.DB, target QualifiedName) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS tablescan`,
		`CREATE TABLE IF NOT EXISTS ` + jobsTable + ` (
			id TEXT PRIMARY KEY,
			filename TEXT,
			mime_type TEXT,
			file_size BIGINT,
			status TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			rejected_count INTEGER NOT NULL DEFAULT 0,
			failed_pages BIGINT[] NOT NULL DEFAULT '{}',
			processing_time_ms BIGINT,
			error_code TEXT,
			error_message TEXT,
			extracted_rows JSONB,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(target.Schema),
		`CREATE TABLE IF NOT EXISTS ` + target.Quoted() + ` (
			id BIGSERIAL PRIMARY KEY,
			material_code TEXT,
			uom TEXT,
			quantity_required TEXT,
			quantity_issued TEXT,
			lot_no TEXT,
			job_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	return nil
}
