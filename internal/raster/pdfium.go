package raster

import (
	"context"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/webassembly"
	"github.com/pkg/errors"

	"github.com/adverant/nexus/tablescan-worker/internal/logging"
)

// Rasterizer turns a PDF into ordered page images
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, dpi int) ([]Page, error)
}

// PdfiumConfig configures the pdfium instance pool
type PdfiumConfig struct {
	Instances       int
	MaxDimension    int
	Format          Format
	InstanceTimeout time.Duration
}

// PdfiumRasterizer renders pages with pdfium compiled to WebAssembly
type PdfiumRasterizer struct {
	pool   pdfium.Pool
	cfg    PdfiumConfig
	logger *logging.Logger
}

// NewPdfiumRasterizer initialises the pdfium pool
func NewPdfiumRasterizer(cfg PdfiumConfig) (*PdfiumRasterizer, error) {
	if cfg.Instances <= 0 {
		cfg.Instances = 1
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 30 * time.Second
	}
	if cfg.Format == "" {
		cfg.Format = FormatPNG
	}

	pool, err := webassembly.Init(webassembly.Config{
		MinIdle:  1,
		MaxIdle:  cfg.Instances,
		MaxTotal: cfg.Instances,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialise pdfium")
	}

	return &PdfiumRasterizer{
		pool:   pool,
		cfg:    cfg,
		logger: logging.NewLogger("Rasterizer"),
	}, nil
}

// Rasterize renders every page at dpi. Pages come back in document order.
func (r *PdfiumRasterizer) Rasterize(ctx context.Context, pdf []byte, dpi int) ([]Page, error) {
	instance, err := r.pool.GetInstance(r.cfg.InstanceTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pdfium instance")
	}
	defer instance.Close()

	doc, err := instance.OpenDocument(&requests.OpenDocument{
		File: &pdf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PDF document")
	}
	defer instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: doc.Document,
	})

	pageCount, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get page count")
	}

	pages := make([]Page, 0, pageCount.PageCount)
	for i := 0; i < pageCount.PageCount; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := r.renderPage(instance, doc.Document, i, dpi)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to render page %d", i+1)
		}
		pages = append(pages, *page)
	}

	r.logger.Debug("PDF rasterized", "pages", len(pages), "dpi", dpi)
	return pages, nil
}

func (r *PdfiumRasterizer) renderPage(instance pdfium.Pdfium, docRef references.FPDF_DOCUMENT, index int, dpi int) (*Page, error) {
	render, err := instance.RenderPageInDPI(&requests.RenderPageInDPI{
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: docRef,
				Index:    index,
			},
		},
		DPI: dpi,
	})
	if err != nil {
		return nil, err
	}
	defer render.Cleanup()

	// Encode before Cleanup releases the bitmap
	img := Normalize(render.Result.Image, r.cfg.MaxDimension)
	scale := scaleOf(render.Result.Image.Bounds().Dx(), img)
	data, err := Encode(img, r.cfg.Format)
	if err != nil {
		return nil, err
	}

	return &Page{
		Index:  index,
		Data:   data,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
		Scale:  scale,
	}, nil
}

// Close shuts down the pdfium pool
func (r *PdfiumRasterizer) Close() error {
	return r.pool.Close()
}
