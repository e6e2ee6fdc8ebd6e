/**
 * PostgreSQL Client for the tablescan worker
 *
 * Handles job status persistence and holds extracted rows for review until
 * they are committed to the material issue table by the Sink.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// Job statuses
const (
	StatusProcessing = "processing"
	StatusExtracted  = "extracted"
	StatusPersisted  = "persisted"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Filename         string
	MimeType         string
	FileSize         int64
	RowCount         int
	RejectedCount    int
	FailedPages      []int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is a row of the extraction job table
type JobRecord struct {
	ID               string
	Filename         string
	MimeType         string
	FileSize         int64
	Status           string
	RowCount         int
	RejectedCount    int
	FailedPages      []int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	// Connect to database
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// NewPostgresClientFromDB wraps an existing handle
func NewPostgresClientFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{db: db}
}

// DB exposes the underlying handle for the Sink and schema setup
func (p *PostgresClient) DB() *sql.DB {
	return p.db
}

// UpdateJobStatus upserts the job row. Empty descriptive fields keep the stored
// value; error fields are always replaced so a retry clears a stale failure.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	failedPages := make(pq.Int64Array, len(update.FailedPages))
	for i, page := range update.FailedPages {
		failedPages[i] = int64(page)
	}

	query := `
		INSERT INTO ` + jobsTable + ` (
			id, filename, mime_type, file_size, status,
			row_count, rejected_count, failed_pages, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, 0), $5,
			$6, $7, $8, NULLIF($9, 0),
			NULLIF($10, ''), NULLIF($11, ''), COALESCE($12::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			filename = COALESCE(EXCLUDED.filename, ` + jobsTable + `.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, ` + jobsTable + `.mime_type),
			file_size = COALESCE(EXCLUDED.file_size, ` + jobsTable + `.file_size),
			row_count = GREATEST(EXCLUDED.row_count, ` + jobsTable + `.row_count),
			rejected_count = GREATEST(EXCLUDED.rejected_count, ` + jobsTable + `.rejected_count),
			failed_pages = CASE
				WHEN cardinality(EXCLUDED.failed_pages) > 0 THEN EXCLUDED.failed_pages
				ELSE ` + jobsTable + `.failed_pages
			END,
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ` + jobsTable + `.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = ` + jobsTable + `.metadata || EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Filename,         // $2
		update.MimeType,         // $3
		update.FileSize,         // $4
		update.Status,           // $5
		update.RowCount,         // $6
		update.RejectedCount,    // $7
		failedPages,             // $8
		update.ProcessingTimeMs, // $9
		update.ErrorCode,        // $10
		update.ErrorMessage,     // $11
		metadataJSON,            // $12
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// SaveExtractedRows stores the reviewed-but-uncommitted rows on the job
func (p *PostgresClient) SaveExtractedRows(ctx context.Context, jobID string, rows []table.Row) error {
	if jobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if rows == nil {
		rows = []table.Row{}
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal rows: %w", err)
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE `+jobsTable+` SET extracted_rows = $2::jsonb, updated_at = NOW() WHERE id = $1`,
		jobID, rowsJSON)
	if err != nil {
		return fmt.Errorf("failed to save extracted rows for job %s: %w", jobID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}

	return nil
}

// LoadExtractedRows returns the rows saved by SaveExtractedRows
func (p *PostgresClient) LoadExtractedRows(ctx context.Context, jobID string) ([]table.Row, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	var rowsJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT extracted_rows FROM `+jobsTable+` WHERE id = $1`, jobID).Scan(&rowsJSON)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load extracted rows for job %s: %w", jobID, err)
	}

	rows := make([]table.Row, 0)
	if len(rowsJSON) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(rowsJSON, &rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extracted rows: %w", err)
	}

	return rows, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, filename, mime_type, file_size, status,
			row_count, rejected_count, failed_pages, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM ` + jobsTable + `
		WHERE id = $1
	`

	var (
		rec                    JobRecord
		filename, mimeType     sql.NullString
		fileSize, processingMs sql.NullInt64
		errorCode, errorMsg    sql.NullString
		failedPages            pq.Int64Array
		metadataJSON           []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &filename, &mimeType, &fileSize, &rec.Status,
		&rec.RowCount, &rec.RejectedCount, &failedPages, &processingMs,
		&errorCode, &errorMsg, &metadataJSON, &rec.CreatedAt, &rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.Filename = filename.String
	rec.MimeType = mimeType.String
	rec.FileSize = fileSize.Int64
	rec.ProcessingTimeMs = processingMs.Int64
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMsg.String
	rec.FailedPages = make([]int, len(failedPages))
	for i, page := range failedPages {
		rec.FailedPages[i] = int(page)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
