package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/pipeline"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

var pdfBytes = []byte("%PDF-1.7 test")

type fakeExtractor struct {
	extraction *pipeline.Extraction
	err        error
	seen       []pipeline.Input
}

func (f *fakeExtractor) Process(ctx context.Context, in pipeline.Input) (*pipeline.Extraction, error) {
	f.seen = append(f.seen, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.extraction, nil
}

type fakeJobs struct {
	updates []*storage.JobUpdate
	saved   map[string][]table.Row
	loadErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{saved: map[string][]table.Row{}}
}

func (f *fakeJobs) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeJobs) SaveExtractedRows(ctx context.Context, jobID string, rows []table.Row) error {
	f.saved[jobID] = rows
	return nil
}

func (f *fakeJobs) LoadExtractedRows(ctx context.Context, jobID string) ([]table.Row, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	rows, ok := f.saved[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return rows, nil
}

type fakeSink struct {
	rows  []table.Row
	jobID string
}

func (f *fakeSink) Persist(ctx context.Context, rows []table.Row, jobID string) *storage.PersistReport {
	f.rows = rows
	f.jobID = jobID
	report := &storage.PersistReport{Outcomes: []storage.RowOutcome{}}
	for i := range rows {
		report.Inserted++
		report.Outcomes = append(report.Outcomes, storage.RowOutcome{Index: i, Status: storage.OutcomeInserted})
	}
	return report
}

func twoPageExtraction() *pipeline.Extraction {
	return &pipeline.Extraction{
		Kind: pipeline.KindPDF,
		Rows: []table.Row{
			{"M-1", "KG", "10", "8", "L1"},
			{"M-2", "KG", "4", "4", "L2"},
		},
		Pages: []pipeline.PageResult{
			{Index: 0, Rows: []table.Row{{"M-1", "KG", "10", "8", "L1"}}, Rejected: []table.Rejected{{Cells: []string{"x"}, YCenter: 40}}},
			{Index: 1, Rows: []table.Row{{"M-2", "KG", "4", "4", "L2"}}},
		},
	}
}

func newTestProcessor(t *testing.T, cfg *ProcessorConfig) *TableProcessor {
	t.Helper()
	cfg.Logger = logging.NewLoggerTo(io.Discard, "TableProcessor")
	p, err := NewTableProcessor(cfg)
	require.NoError(t, err)
	return p
}

func TestNewTableProcessorRequiresExtractor(t *testing.T) {
	_, err := NewTableProcessor(&ProcessorConfig{})
	assert.Error(t, err)

	_, err = NewTableProcessor(nil)
	assert.Error(t, err)
}

func TestProcessDocumentSavesRowsForReview(t *testing.T) {
	jobs := newFakeJobs()
	ext := &fakeExtractor{extraction: twoPageExtraction()}
	p := newTestProcessor(t, &ProcessorConfig{Extractor: ext, Jobs: jobs})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{
		JobID:      "job-1",
		Filename:   "log.pdf",
		MimeType:   "application/octet-stream",
		FileBuffer: pdfBytes,
	})
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", result.MimeType)
	assert.Equal(t, "pdf", result.Kind)
	assert.Len(t, result.Rows, 2)
	assert.Len(t, result.Rejected, 1)
	assert.Equal(t, 2, result.PageCount)
	assert.Empty(t, result.FailedPages)

	require.Len(t, jobs.updates, 1)
	assert.Equal(t, storage.StatusExtracted, jobs.updates[0].Status)
	assert.Equal(t, 2, jobs.updates[0].RowCount)
	assert.Equal(t, 1, jobs.updates[0].RejectedCount)
	assert.Equal(t, result.Rows, jobs.saved["job-1"])
	assert.Equal(t, "log.pdf", ext.seen[0].Name)
}

func TestProcessDocumentNoRowsIsNotAnError(t *testing.T) {
	ext := &fakeExtractor{extraction: &pipeline.Extraction{
		Kind:  pipeline.KindImage,
		Rows:  []table.Row{},
		Pages: []pipeline.PageResult{{Index: 0}},
	}}
	p := newTestProcessor(t, &ProcessorConfig{Extractor: ext})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-2", FileBuffer: pdfBytes})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
}

func TestProcessDocumentPartialPageFailure(t *testing.T) {
	extraction := twoPageExtraction()
	extraction.Pages[1].Err = errors.NewDetectionFailedError("job-3", 2, fmt.Errorf("boom"))
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{extraction: extraction}})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-3", FileBuffer: pdfBytes})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, result.FailedPages)
}

func TestProcessDocumentAllPagesFailed(t *testing.T) {
	pageErr := errors.NewDetectionFailedError("job-4", 1, fmt.Errorf("model unavailable"))
	ext := &fakeExtractor{extraction: &pipeline.Extraction{
		Kind:  pipeline.KindImage,
		Rows:  []table.Row{},
		Pages: []pipeline.PageResult{{Index: 0, Err: pageErr}},
	}}
	jobs := newFakeJobs()
	p := newTestProcessor(t, &ProcessorConfig{Extractor: ext, Jobs: jobs})

	result, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-4", FileBuffer: pdfBytes})
	assert.Equal(t, errors.ErrorDetectionFailed, errors.CodeOf(err))
	assert.False(t, errors.IsInputError(err))
	assert.Empty(t, jobs.updates)

	require.NotNil(t, result)
	assert.Empty(t, result.Rows)
	assert.Equal(t, []int{0}, result.FailedPages)
	assert.Equal(t, 1, result.PageCount)
	assert.Contains(t, result.Warning, "model unavailable")
}

func TestProcessDocumentPropagatesInputErrors(t *testing.T) {
	ext := &fakeExtractor{err: errors.NewUnsupportedFormatError("job-5", "a.txt", "")}
	p := newTestProcessor(t, &ProcessorConfig{Extractor: ext})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-5", FileBuffer: []byte("text")})
	assert.True(t, errors.IsInputError(err))
}

func TestProcessDocumentEnforcesMaxFileSize(t *testing.T) {
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}, MaxFileSize: 4})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-6", FileBuffer: pdfBytes})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))
}

func TestProcessDocumentWithoutSource(t *testing.T) {
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-7"})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))
}

func TestProcessDocumentDownloadsWithRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pdfBytes)
	}))
	defer srv.Close()

	ext := &fakeExtractor{extraction: twoPageExtraction()}
	p := newTestProcessor(t, &ProcessorConfig{
		Extractor: ext,
		Download:  DownloadConfig{MaxRetries: 3, InitialBackoff: time.Millisecond},
	})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-8", FileURL: srv.URL + "/log.pdf"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, pdfBytes, ext.seen[0].Data)
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProcessor(t, &ProcessorConfig{
		Extractor: &fakeExtractor{},
		Download:  DownloadConfig{MaxRetries: 3, InitialBackoff: time.Millisecond},
	})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-9", FileURL: srv.URL})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	p := newTestProcessor(t, &ProcessorConfig{
		Extractor:   &fakeExtractor{},
		MaxFileSize: 16,
		Download:    DownloadConfig{MaxRetries: 1},
	})

	_, err := p.ProcessDocument(context.Background(), &ProcessRequest{JobID: "job-10", FileURL: srv.URL})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))
}

func TestPersistRowsFromSourceJob(t *testing.T) {
	jobs := newFakeJobs()
	jobs.saved["job-1"] = []table.Row{{"M-1", "KG", "10", "8", "L1"}}
	sink := &fakeSink{}
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}, Jobs: jobs, Sink: sink})

	result, err := p.PersistRows(context.Background(), &PersistRequest{JobID: "persist-1", SourceJobID: "job-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Report.Inserted)
	assert.Equal(t, "job-1", sink.jobID)
	require.Len(t, jobs.updates, 1)
	assert.Equal(t, "job-1", jobs.updates[0].JobID)
	assert.Equal(t, storage.StatusPersisted, jobs.updates[0].Status)
}

func TestPersistRowsExplicitRows(t *testing.T) {
	sink := &fakeSink{}
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}, Sink: sink})

	rows := []table.Row{{"a", "b", "c", "d", "e"}, {"f", "g", "h", "i", "j"}}
	result, err := p.PersistRows(context.Background(), &PersistRequest{Rows: rows})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Report.Inserted)
	assert.Equal(t, rows, sink.rows)
}

func TestPersistRowsErrors(t *testing.T) {
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}})
	_, err := p.PersistRows(context.Background(), &PersistRequest{Rows: []table.Row{}})
	assert.Error(t, err)

	jobs := newFakeJobs()
	jobs.loadErr = fmt.Errorf("connection refused")
	p = newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}, Jobs: jobs, Sink: &fakeSink{}})
	_, err = p.PersistRows(context.Background(), &PersistRequest{SourceJobID: "job-1"})
	assert.Equal(t, errors.ErrorDatabaseFailed, errors.CodeOf(err))
}

func TestUpdateJobStatusMapsMetadata(t *testing.T) {
	jobs := newFakeJobs()
	p := newTestProcessor(t, &ProcessorConfig{Extractor: &fakeExtractor{}, Jobs: jobs})

	timeoutErr := errors.NewProcessingTimeoutError("job-1", time.Minute, context.DeadlineExceeded)
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-1", storage.StatusFailed, timeoutErr.ToMap()))
	require.NoError(t, p.UpdateJobStatus(context.Background(), "job-2", storage.StatusProcessing, map[string]interface{}{
		"filename": "log.pdf",
		"fileSize": float64(2048),
	}))

	assert.Equal(t, "PROCESSING_TIMEOUT", jobs.updates[0].ErrorCode)
	assert.NotEmpty(t, jobs.updates[0].ErrorMessage)
	assert.Equal(t, "log.pdf", jobs.updates[1].Filename)
	assert.Equal(t, int64(2048), jobs.updates[1].FileSize)
}
