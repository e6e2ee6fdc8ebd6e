/**
 * Page Pipeline
 *
 * input file -> pages -> (detect -> reconstruct) per page -> rows in page order
 *
 * PDF pages run on a bounded pool. Each page is an isolated unit of work:
 * a failed or timed-out detection yields zero rows for that page and is
 * recorded on its PageResult, never propagated.
 *
 * Detector calls are additionally bounded by detection slots shared by every
 * concurrent Process call. A page waits for a slot before its deadline
 * starts, so queueing behind other jobs never counts as a timeout.
 */

package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/ocr"
	"github.com/adverant/nexus/tablescan-worker/internal/raster"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// Config holds pipeline tuning
type Config struct {
	ExpectedColumns   int
	YTolerance        float64
	DPI               int
	Workers           int
	DetectorSlots     int           // concurrent Detect calls across all jobs; 0 means Workers
	PageTimeout       time.Duration // 0 disables the per-page deadline
	MaxImageDimension int
	Format            raster.Format
}

// DefaultConfig mirrors the material issue log deployment
func DefaultConfig() Config {
	return Config{
		ExpectedColumns:   table.DefaultColumns,
		YTolerance:        table.DefaultYTolerance,
		DPI:               200,
		Workers:           4,
		PageTimeout:       2 * time.Minute,
		MaxImageDimension: 4000,
		Format:            raster.FormatPNG,
	}
}

// Input is one uploaded file
type Input struct {
	JobID string
	Name  string
	Data  []byte
}

// PageResult is the outcome of one page
type PageResult struct {
	Index      int
	Rows       []table.Row
	Rejected   []table.Rejected
	Detections int
	Err        error
	Duration   time.Duration
}

// Extraction is the ordered output of one input
type Extraction struct {
	Kind  Kind
	Rows  []table.Row
	Pages []PageResult
}

// RowCount returns the number of accepted rows
func (e *Extraction) RowCount() int {
	return len(e.Rows)
}

// RejectedCount returns the number of groups dropped by the column gate
func (e *Extraction) RejectedCount() int {
	n := 0
	for _, p := range e.Pages {
		n += len(p.Rejected)
	}
	return n
}

// FailedPages returns the 0-based indexes of pages whose detection failed
func (e *Extraction) FailedPages() []int {
	failed := make([]int, 0)
	for _, p := range e.Pages {
		if p.Err != nil {
			failed = append(failed, p.Index)
		}
	}
	return failed
}

// Pipeline runs extraction. It is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	detector   ocr.Detector
	rasterizer raster.Rasterizer
	slots      chan struct{}
	logger     *logging.Logger
}

// New wires the shared detector and rasterizer. The rasterizer may be nil
// when only images are processed.
func New(cfg Config, detector ocr.Detector, rasterizer raster.Rasterizer, logger *logging.Logger) (*Pipeline, error) {
	if detector == nil {
		return nil, errors.NewNoDetectorError("none")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DetectorSlots <= 0 {
		cfg.DetectorSlots = cfg.Workers
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.ExpectedColumns <= 0 {
		cfg.ExpectedColumns = table.DefaultColumns
	}
	if logger == nil {
		logger = logging.NewLogger("Pipeline")
	}

	return &Pipeline{
		cfg:        cfg,
		detector:   detector,
		rasterizer: rasterizer,
		slots:      make(chan struct{}, cfg.DetectorSlots),
		logger:     logger,
	}, nil
}

// Process extracts rows from one input file
func (p *Pipeline) Process(ctx context.Context, in Input) (*Extraction, error) {
	if len(in.Data) == 0 {
		return nil, errors.NewInputUnreadableError(in.JobID, "empty file", nil)
	}

	kind, mime := DetectKind(in.Data)
	if kind == KindUnknown {
		if IsSupportedFilename(in.Name) {
			return nil, errors.NewInputUnreadableError(in.JobID,
				fmt.Sprintf("content of %s does not match its extension", in.Name), nil)
		}
		return nil, errors.NewUnsupportedFormatError(in.JobID, in.Name, mime)
	}

	var pages []raster.Page
	switch kind {
	case KindImage:
		page, err := raster.PrepareImage(in.Data, p.cfg.MaxImageDimension, p.cfg.Format)
		if err != nil {
			return nil, errors.NewInputUnreadableError(in.JobID, "image could not be decoded", err)
		}
		pages = []raster.Page{*page}

	case KindPDF:
		if p.rasterizer == nil {
			return nil, errors.NewRasterizeFailedError(in.JobID, fmt.Errorf("no rasterizer configured"))
		}
		rendered, err := p.rasterizer.Rasterize(ctx, in.Data, p.cfg.DPI)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, errors.NewRasterizeFailedError(in.JobID, err)
		}
		pages = rendered
	}

	p.logger.Info("Processing input", "job", in.JobID, "file", in.Name, "kind", kind, "pages", len(pages))

	results, err := p.runPages(ctx, in.JobID, pages)
	if err != nil {
		return nil, err
	}

	extraction := &Extraction{
		Kind:  kind,
		Rows:  make([]table.Row, 0),
		Pages: results,
	}
	for _, r := range results {
		extraction.Rows = append(extraction.Rows, r.Rows...)
	}

	if len(extraction.Rows) == 0 {
		p.logger.Warn("No valid rows found", "job", in.JobID, "file", in.Name,
			"rejected", extraction.RejectedCount(), "failedPages", len(extraction.FailedPages()))
	} else {
		p.logger.Info("Extraction complete", "job", in.JobID, "rows", len(extraction.Rows),
			"rejected", extraction.RejectedCount(), "failedPages", len(extraction.FailedPages()))
	}

	return extraction, nil
}

// runPages fans pages out to at most cfg.Workers goroutines. Results are
// written by position, so output order is page order whatever finishes first.
func (p *Pipeline) runPages(ctx context.Context, jobID string, pages []raster.Page) ([]PageResult, error) {
	results := make([]PageResult, len(pages))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	for i := range pages {
		i := i
		g.Go(func() error {
			results[i] = p.processPage(ctx, jobID, i, pages[i])
			return nil
		})
	}
	_ = g.Wait()

	// Parent cancellation aborts the whole run; per-page deadlines do not
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

func (p *Pipeline) processPage(ctx context.Context, jobID string, position int, page raster.Page) PageResult {
	start := time.Now()
	result := PageResult{
		Index:    position,
		Rows:     make([]table.Row, 0),
		Rejected: make([]table.Rejected, 0),
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}
	waited := time.Since(start)

	pageCtx := ctx
	if p.cfg.PageTimeout > 0 {
		var cancel context.CancelFunc
		pageCtx, cancel = context.WithTimeout(ctx, p.cfg.PageTimeout)
		defer cancel()
	}

	detections, err := p.detect(pageCtx, page.Data)
	result.Duration = time.Since(start)

	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			result.Err = errors.NewProcessingTimeoutError(jobID, p.cfg.PageTimeout, err)
		} else {
			result.Err = errors.NewDetectionFailedError(jobID, position+1, err)
		}
		p.logger.Warn("Page detection failed, page contributes no rows",
			"job", jobID, "page", position+1, "error", result.Err)
		return result
	}

	// Y tolerance is in source pixels, not downscaled ones
	detections = table.Unscale(detections, page.Scale)
	reconstructed := table.ReconstructDetailed(detections, p.cfg.ExpectedColumns, p.cfg.YTolerance)
	result.Rows = reconstructed.Rows
	result.Rejected = reconstructed.Rejected
	result.Detections = len(detections)
	result.Duration = time.Since(start)

	p.logger.Debug("Page complete", "job", jobID, "page", position+1,
		"detections", len(detections), "rows", len(result.Rows),
		"rejected", len(result.Rejected), "waited", waited, "duration", result.Duration)

	return result
}

type detectOutcome struct {
	detections []table.Detection
	err        error
}

func (p *Pipeline) releaseSlot() { <-p.slots }

// detect runs the detector on its own goroutine so a call that ignores its
// context still releases the page worker at the deadline. The caller holds a
// detection slot; it is freed when the detector call actually returns, so an
// abandoned call keeps its slot until it finishes in the background.
func (p *Pipeline) detect(ctx context.Context, data []byte) ([]table.Detection, error) {
	if err := ctx.Err(); err != nil {
		p.releaseSlot()
		return nil, err
	}

	done := make(chan detectOutcome, 1)
	go func() {
		defer p.releaseSlot()
		defer func() {
			if r := recover(); r != nil {
				done <- detectOutcome{err: fmt.Errorf("detector panic: %v", r)}
			}
		}()
		detections, err := p.detector.Detect(ctx, data)
		done <- detectOutcome{detections: detections, err: err}
	}()

	select {
	case out := <-done:
		return out.detections, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
