package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/ocr"
	"github.com/adverant/nexus/tablescan-worker/internal/raster"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

var pdfHeader = []byte("%PDF-1.7\n")

type fakeRasterizer struct {
	pages int
	scale float64
	err   error
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdf []byte, dpi int) ([]raster.Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	pages := make([]raster.Page, f.pages)
	for i := range pages {
		pages[i] = raster.Page{Index: i, Data: []byte(fmt.Sprintf("page-%d", i)), Scale: f.scale}
	}
	return pages, nil
}

// fiveColumnRow lays out one valid row at y with a page marker in the first cell
func fiveColumnRow(page, row int, y float64) []table.Detection {
	labels := []string{
		fmt.Sprintf("P%d-R%d", page, row), "KG", "10", "8", fmt.Sprintf("LOT-%d", row),
	}
	out := make([]table.Detection, 0, len(labels))
	for i, l := range labels {
		x := float64(i * 100)
		out = append(out, table.RectDetection(x, y-5, x+80, y+5, l, 0.9))
	}
	return out
}

// pageDetector returns rowsPerPage rows for every page. Pages listed in fail
// return an error, pages listed in hang block until the context ends.
type pageDetector struct {
	rowsPerPage int
	fail        map[string]bool
	hang        map[string]bool
	jitter      bool
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu          sync.Mutex
	rng         *rand.Rand
}

func (d *pageDetector) Detect(ctx context.Context, image []byte) ([]table.Detection, error) {
	d.calls.Add(1)
	cur := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		prev := d.maxInFlight.Load()
		if cur <= prev || d.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	key := string(image)
	if d.jitter {
		d.mu.Lock()
		delay := time.Duration(d.rng.Intn(20)) * time.Millisecond
		d.mu.Unlock()
		time.Sleep(delay)
	}
	if d.hang[key] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.fail[key] {
		return nil, fmt.Errorf("model crashed on %s", key)
	}

	var page int
	fmt.Sscanf(key, "page-%d", &page)

	var out []table.Detection
	for r := 0; r < d.rowsPerPage; r++ {
		out = append(out, fiveColumnRow(page, r, float64(100+r*50))...)
	}
	return out, nil
}

func newTestPipeline(t *testing.T, cfg Config, det *pageDetector, rast raster.Rasterizer) *Pipeline {
	t.Helper()
	var buf bytes.Buffer
	p, err := New(cfg, det, rast, logging.NewLoggerTo(&buf, "Pipeline"))
	require.NoError(t, err)
	return p
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func firstCells(rows []table.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r[0]
	}
	return out
}

func TestNewRequiresDetector(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorNoDetector, errors.CodeOf(err))
}

func TestProcessSingleImage(t *testing.T) {
	det := &pageDetector{rowsPerPage: 2}
	p := newTestPipeline(t, DefaultConfig(), det, nil)

	ext, err := p.Process(context.Background(), Input{JobID: "job-1", Name: "scan.png", Data: pngBytes(t)})
	require.NoError(t, err)

	assert.Equal(t, KindImage, ext.Kind)
	require.Len(t, ext.Pages, 1)
	assert.Equal(t, 2, ext.RowCount())
	assert.Equal(t, table.Row{"P0-R0", "KG", "10", "8", "LOT-0"}, ext.Rows[0])
	assert.Equal(t, int32(1), det.calls.Load())
}

func TestProcessPDFConcatenatesInPageOrder(t *testing.T) {
	det := &pageDetector{rowsPerPage: 2}
	cfg := DefaultConfig()
	cfg.Workers = 3
	p := newTestPipeline(t, cfg, det, &fakeRasterizer{pages: 3})

	ext, err := p.Process(context.Background(), Input{JobID: "job-2", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)

	assert.Equal(t, KindPDF, ext.Kind)
	assert.Equal(t, []string{"P0-R0", "P0-R1", "P1-R0", "P1-R1", "P2-R0", "P2-R1"}, firstCells(ext.Rows))
	assert.Empty(t, ext.FailedPages())
}

func TestProcessIsolatesFailedPage(t *testing.T) {
	det := &pageDetector{rowsPerPage: 1, fail: map[string]bool{"page-1": true}}
	p := newTestPipeline(t, DefaultConfig(), det, &fakeRasterizer{pages: 3})

	ext, err := p.Process(context.Background(), Input{JobID: "job-3", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)

	assert.Equal(t, []string{"P0-R0", "P2-R0"}, firstCells(ext.Rows))
	assert.Equal(t, []int{1}, ext.FailedPages())
	assert.Equal(t, errors.ErrorDetectionFailed, errors.CodeOf(ext.Pages[1].Err))
	assert.Empty(t, ext.Pages[1].Rows)
}

func TestProcessPageTimeout(t *testing.T) {
	det := &pageDetector{rowsPerPage: 1, hang: map[string]bool{"page-0": true}}
	cfg := DefaultConfig()
	cfg.PageTimeout = 50 * time.Millisecond
	p := newTestPipeline(t, cfg, det, &fakeRasterizer{pages: 2})

	ext, err := p.Process(context.Background(), Input{JobID: "job-4", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1-R0"}, firstCells(ext.Rows))
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(ext.Pages[0].Err))
}

func TestProcessParallelMatchesSequential(t *testing.T) {
	run := func(workers int) []table.Row {
		det := &pageDetector{
			rowsPerPage: 3,
			fail:        map[string]bool{"page-4": true},
			jitter:      true,
			rng:         rand.New(rand.NewSource(int64(workers))),
		}
		cfg := DefaultConfig()
		cfg.Workers = workers
		p := newTestPipeline(t, cfg, det, &fakeRasterizer{pages: 10})
		ext, err := p.Process(context.Background(), Input{JobID: "job-5", Name: "log.pdf", Data: pdfHeader})
		require.NoError(t, err)
		return ext.Rows
	}

	sequential := run(1)
	assert.Len(t, sequential, 27)
	assert.Equal(t, sequential, run(4))
	assert.Equal(t, sequential, run(10))
}

func TestProcessRespectsWorkerLimit(t *testing.T) {
	det := &pageDetector{rowsPerPage: 1, jitter: true, rng: rand.New(rand.NewSource(7))}
	cfg := DefaultConfig()
	cfg.Workers = 2
	p := newTestPipeline(t, cfg, det, &fakeRasterizer{pages: 8})

	_, err := p.Process(context.Background(), Input{JobID: "job-6", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)
	assert.LessOrEqual(t, det.maxInFlight.Load(), int32(2))
	assert.Equal(t, int32(8), det.calls.Load())
}

// pooledDetector models an engine with a fixed client pool whose calls ignore
// their context once started.
type pooledDetector struct {
	clients chan struct{}
	delay   time.Duration
	calls   atomic.Int32
}

func newPooledDetector(size int, delay time.Duration) *pooledDetector {
	d := &pooledDetector{clients: make(chan struct{}, size), delay: delay}
	for i := 0; i < size; i++ {
		d.clients <- struct{}{}
	}
	return d
}

func (d *pooledDetector) Detect(ctx context.Context, image []byte) ([]table.Detection, error) {
	select {
	case <-d.clients:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.clients <- struct{}{} }()

	d.calls.Add(1)
	time.Sleep(d.delay)

	var page int
	fmt.Sscanf(string(image), "page-%d", &page)
	return fiveColumnRow(page, 0, 100), nil
}

func TestProcessConcurrentJobsShareDetectorWithoutTimeouts(t *testing.T) {
	det := newPooledDetector(2, 40*time.Millisecond)
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.DetectorSlots = 2
	cfg.PageTimeout = 150 * time.Millisecond

	p, err := New(cfg, det, &fakeRasterizer{pages: 6}, logging.NewLoggerTo(io.Discard, "Pipeline"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	extractions := make([]*Extraction, 2)
	errs := make([]error, 2)
	for i := range extractions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			extractions[i], errs[i] = p.Process(context.Background(), Input{
				JobID: fmt.Sprintf("job-%d", i), Name: "log.pdf", Data: pdfHeader,
			})
		}(i)
	}
	wg.Wait()

	for i, ext := range extractions {
		require.NoError(t, errs[i])
		assert.Empty(t, ext.FailedPages(), "job %d", i)
		assert.Equal(t, []string{"P0-R0", "P1-R0", "P2-R0", "P3-R0", "P4-R0", "P5-R0"}, firstCells(ext.Rows))
	}
	assert.Equal(t, int32(12), det.calls.Load())
}

func TestProcessAppliesToleranceInSourcePixels(t *testing.T) {
	// Two rows 8px apart on a page rendered at half size are 16px apart in
	// the source, beyond the 10px tolerance.
	det := ocr.DetectorFunc(func(ctx context.Context, image []byte) ([]table.Detection, error) {
		out := fiveColumnRow(0, 0, 50)
		return append(out, fiveColumnRow(0, 1, 58)...), nil
	})
	cfg := DefaultConfig()
	cfg.YTolerance = 10

	p, err := New(cfg, det, &fakeRasterizer{pages: 1, scale: 0.5}, logging.NewLoggerTo(io.Discard, "Pipeline"))
	require.NoError(t, err)

	ext, err := p.Process(context.Background(), Input{JobID: "job-s", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)
	assert.Equal(t, []string{"P0-R0", "P0-R1"}, firstCells(ext.Rows))
	assert.Zero(t, ext.RejectedCount())

	unscaled, err := New(cfg, det, &fakeRasterizer{pages: 1}, logging.NewLoggerTo(io.Discard, "Pipeline"))
	require.NoError(t, err)
	ext, err = unscaled.Process(context.Background(), Input{JobID: "job-u", Name: "log.pdf", Data: pdfHeader})
	require.NoError(t, err)
	assert.Empty(t, ext.Rows)
	assert.Equal(t, 1, ext.RejectedCount())
}

func TestProcessZeroPagePDF(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), &pageDetector{}, &fakeRasterizer{pages: 0})

	ext, err := p.Process(context.Background(), Input{JobID: "job-7", Name: "empty.pdf", Data: pdfHeader})
	require.NoError(t, err)
	assert.NotNil(t, ext.Rows)
	assert.Empty(t, ext.Rows)
}

func TestProcessInputErrors(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), &pageDetector{}, &fakeRasterizer{pages: 1})
	ctx := context.Background()

	_, err := p.Process(ctx, Input{Name: "empty.png"})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))

	_, err = p.Process(ctx, Input{Name: "notes.txt", Data: []byte("hello world")})
	assert.Equal(t, errors.ErrorUnsupportedFormat, errors.CodeOf(err))
	assert.True(t, errors.IsInputError(err))

	_, err = p.Process(ctx, Input{Name: "fake.pdf", Data: []byte("hello world")})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))

	// PNG signature with a truncated body
	_, err = p.Process(ctx, Input{Name: "broken.png", Data: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00}})
	assert.Equal(t, errors.ErrorInputUnreadable, errors.CodeOf(err))
}

func TestProcessRasterizeFailure(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), &pageDetector{}, &fakeRasterizer{err: fmt.Errorf("corrupt xref")})

	_, err := p.Process(context.Background(), Input{JobID: "job-8", Name: "bad.pdf", Data: pdfHeader})
	assert.Equal(t, errors.ErrorRasterizeFailed, errors.CodeOf(err))
}

func TestProcessCancelledContext(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), &pageDetector{rowsPerPage: 1}, &fakeRasterizer{pages: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Process(ctx, Input{JobID: "job-9", Name: "log.pdf", Data: pdfHeader})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectKind(t *testing.T) {
	kind, mime := DetectKind(pdfHeader)
	assert.Equal(t, KindPDF, kind)
	assert.Equal(t, "application/pdf", mime)

	kind, _ = DetectKind([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	assert.Equal(t, KindImage, kind)

	kind, mime = DetectKind([]byte("GIF89a...."))
	assert.Equal(t, KindUnknown, kind)
	assert.Equal(t, "image/gif", mime)

	assert.True(t, IsSupportedFilename("SCAN.JPEG"))
	assert.False(t, IsSupportedFilename("scan.gif"))
}
