/**
 * Table Processor for the tablescan worker
 *
 * Orchestrates one job end to end:
 * - load the upload (inline buffer or download with retry)
 * - run the page pipeline (rasterize -> detect -> reconstruct)
 * - keep the extracted rows on the job for review
 * - commit reviewed rows through the Sink on a separate persist request
 */

package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/pipeline"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// TableProcessorInterface is what the queue consumers and the HTTP API drive
type TableProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	PersistRows(ctx context.Context, req *PersistRequest) (*PersistResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// Extractor runs extraction on one input
type Extractor interface {
	Process(ctx context.Context, in pipeline.Input) (*pipeline.Extraction, error)
}

// JobStore tracks jobs and holds rows awaiting review
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	SaveExtractedRows(ctx context.Context, jobID string, rows []table.Row) error
	LoadExtractedRows(ctx context.Context, jobID string) ([]table.Row, error)
}

// RowSink commits rows
type RowSink interface {
	Persist(ctx context.Context, rows []table.Row, jobID string) *storage.PersistReport
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Extractor   Extractor
	Jobs        JobStore // optional; nil disables job tracking
	Sink        RowSink  // optional; nil disables PersistRows
	MaxFileSize int64
	Download    DownloadConfig
	Logger      *logging.Logger
}

// ProcessRequest represents a table extraction request
type ProcessRequest struct {
	JobID      string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
}

// ProcessResult is the reviewable outcome of an extraction
type ProcessResult struct {
	JobID            string           `json:"jobId"`
	Filename         string           `json:"filename"`
	MimeType         string           `json:"mimeType"`
	Kind             string           `json:"kind"`
	Rows             []table.Row      `json:"rows"`
	Rejected         []table.Rejected `json:"rejected"`
	PageCount        int              `json:"pageCount"`
	FailedPages      []int            `json:"failedPages"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	Warning          string           `json:"warning,omitempty"`
}

// PersistRequest commits either Rows or, when Rows is nil, the rows stored
// for SourceJobID
type PersistRequest struct {
	JobID       string
	SourceJobID string
	Rows        []table.Row
}

// PersistResult reports per-row outcomes
type PersistResult struct {
	JobID       string                 `json:"jobId"`
	SourceJobID string                 `json:"sourceJobId,omitempty"`
	Report      *storage.PersistReport `json:"report"`
}

// TableProcessor handles extraction and persistence
type TableProcessor struct {
	config     *ProcessorConfig
	extractor  Extractor
	jobs       JobStore
	sink       RowSink
	downloader *downloader
	logger     *logging.Logger
}

// NewTableProcessor creates a new table processor
func NewTableProcessor(cfg *ProcessorConfig) (*TableProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("TableProcessor")
	}

	return &TableProcessor{
		config:     cfg,
		extractor:  cfg.Extractor,
		jobs:       cfg.Jobs,
		sink:       cfg.Sink,
		downloader: newDownloader(cfg.Download, cfg.MaxFileSize, logger),
		logger:     logger,
	}, nil
}

// ProcessDocument extracts rows from one upload. Rows are returned and, when
// a JobStore is configured, saved on the job until a PersistRows call.
//
// When detection failed on every page the returned error is the first page
// error (retryable) and the result is still non-nil: zero rows, every page in
// FailedPages, and the error text in Warning. The job is not marked extracted.
func (p *TableProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	p.logger.Info("Starting table extraction", "job", req.JobID, "file", req.Filename)

	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, err
	}

	kind, detectedMime := pipeline.DetectKind(fileData)
	mimeType := req.MimeType
	if detectedMime != "" && (mimeType == "" || mimeType == "application/octet-stream") {
		p.logger.Debug("Corrected MIME type from magic bytes", "job", req.JobID, "from", mimeType, "to", detectedMime)
		mimeType = detectedMime
	}

	extraction, err := p.extractor.Process(ctx, pipeline.Input{
		JobID: req.JobID,
		Name:  req.Filename,
		Data:  fileData,
	})
	if err != nil {
		return nil, err
	}

	failed := extraction.FailedPages()
	result := &ProcessResult{
		JobID:            req.JobID,
		Filename:         req.Filename,
		MimeType:         mimeType,
		Kind:             kind.String(),
		Rows:             extraction.Rows,
		Rejected:         make([]table.Rejected, 0, extraction.RejectedCount()),
		PageCount:        len(extraction.Pages),
		FailedPages:      failed,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	for _, page := range extraction.Pages {
		result.Rejected = append(result.Rejected, page.Rejected...)
	}

	if len(extraction.Pages) > 0 && len(failed) == len(extraction.Pages) {
		// Nothing was read at all. The error lets the queue retry; interactive
		// callers can still show the zero-row result.
		pageErr := extraction.Pages[0].Err
		result.Warning = pageErr.Error()
		p.logger.Warn("Detection failed on every page", "job", req.JobID, "pages", len(failed), "error", pageErr)
		return result, pageErr
	}

	if len(result.Rows) == 0 {
		p.logger.Warn("No valid rows found", "job", req.JobID, "file", req.Filename, "rejected", len(result.Rejected))
	}

	if p.jobs != nil && req.JobID != "" {
		if err := p.jobs.UpdateJobStatus(ctx, &storage.JobUpdate{
			JobID:            req.JobID,
			Status:           storage.StatusExtracted,
			Filename:         req.Filename,
			MimeType:         mimeType,
			FileSize:         int64(len(fileData)),
			RowCount:         len(result.Rows),
			RejectedCount:    len(result.Rejected),
			FailedPages:      failed,
			ProcessingTimeMs: result.ProcessingTimeMs,
			Metadata:         req.Metadata,
		}); err != nil {
			return nil, errors.NewDatabaseFailedError(req.JobID, "update job status", err)
		}
		if err := p.jobs.SaveExtractedRows(ctx, req.JobID, result.Rows); err != nil {
			return nil, errors.NewDatabaseFailedError(req.JobID, "save extracted rows", err)
		}
	}

	p.logger.Info("Table extraction complete", "job", req.JobID, "rows", len(result.Rows),
		"pages", result.PageCount, "failedPages", len(failed), "durationMs", result.ProcessingTimeMs)

	return result, nil
}

// PersistRows commits rows through the Sink. Individual row failures are in
// the report; only a missing Sink or an unloadable source job is an error.
func (p *TableProcessor) PersistRows(ctx context.Context, req *PersistRequest) (*PersistResult, error) {
	if p.sink == nil {
		return nil, fmt.Errorf("no sink configured")
	}

	rows := req.Rows
	if rows == nil && req.SourceJobID != "" {
		if p.jobs == nil {
			return nil, fmt.Errorf("cannot load rows for job %s: job tracking disabled", req.SourceJobID)
		}
		loaded, err := p.jobs.LoadExtractedRows(ctx, req.SourceJobID)
		if err != nil {
			return nil, errors.NewDatabaseFailedError(req.SourceJobID, "load extracted rows", err)
		}
		rows = loaded
	}

	owner := req.SourceJobID
	if owner == "" {
		owner = req.JobID
	}

	report := p.sink.Persist(ctx, rows, owner)

	if p.jobs != nil && owner != "" {
		if err := p.jobs.UpdateJobStatus(ctx, &storage.JobUpdate{
			JobID:  owner,
			Status: storage.StatusPersisted,
			Metadata: map[string]interface{}{
				"inserted": report.Inserted,
				"skipped":  report.Skipped,
				"failed":   report.Failed,
			},
		}); err != nil {
			p.logger.Warn("Failed to update job status after persist", "job", owner, "error", err)
		}
	}

	return &PersistResult{
		JobID:       req.JobID,
		SourceJobID: req.SourceJobID,
		Report:      report,
	}, nil
}

// UpdateJobStatus updates job status in database
func (p *TableProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	if p.jobs == nil {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	// Extract specific fields from metadata if present
	if metadata != nil {
		if filename, ok := metadata["filename"].(string); ok {
			update.Filename = filename
		}
		if mimeType, ok := metadata["mimeType"].(string); ok {
			update.MimeType = mimeType
		}
		switch size := metadata["fileSize"].(type) {
		case int64:
			update.FileSize = size
		case float64:
			update.FileSize = int64(size)
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.jobs.UpdateJobStatus(ctx, update)
}

// loadFile loads file from buffer or URL
func (p *TableProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	// If buffer is provided, use it directly
	if len(req.FileBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, errors.NewInputUnreadableError(req.JobID,
				fmt.Sprintf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize), nil)
		}
		p.logger.Debug("Using file buffer", "job", req.JobID, "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	// If URL is provided, download it
	if req.FileURL != "" {
		data, err := p.downloader.fetch(ctx, req.JobID, req.FileURL, req.FileSize)
		if err != nil {
			return nil, err
		}
		return data, nil
	}

	return nil, errors.NewInputUnreadableError(req.JobID, "no file source provided (buffer or URL)", nil)
}
