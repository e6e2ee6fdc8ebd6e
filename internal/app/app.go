/**
 * Component wiring shared by the worker and the tablescan CLI
 *
 * Builds the detector, rasterizer, page pipeline, storage and processor from
 * a Config. Everything opened here is released by App.Close.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/tablescan-worker/internal/clients"
	"github.com/adverant/nexus/tablescan-worker/internal/config"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/ocr"
	"github.com/adverant/nexus/tablescan-worker/internal/pipeline"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/raster"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
)

// App holds the wired components
type App struct {
	Config    *config.Config
	Pipeline  *pipeline.Pipeline
	Processor *processor.TableProcessor
	DB        *storage.PostgresClient // nil when built without a database

	closers []func() error
	logger  *logging.Logger
}

// Options selects optional components
type Options struct {
	// WithDatabase connects PostgreSQL, ensures the schema and enables job
	// tracking and PersistRows.
	WithDatabase bool
}

// New wires every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{
		Config: cfg,
		logger: logging.NewLogger("App"),
	}

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	format, err := raster.ParseFormat(cfg.RasterFormat)
	if err != nil {
		return err
	}

	detector, err := a.newDetector()
	if err != nil {
		return err
	}

	rasterizer, err := raster.NewPdfiumRasterizer(raster.PdfiumConfig{
		Instances:    cfg.PageWorkers,
		MaxDimension: cfg.MaxImageDimension,
		Format:       format,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize rasterizer: %w", err)
	}
	a.closers = append(a.closers, rasterizer.Close)

	a.Pipeline, err = pipeline.New(pipeline.Config{
		ExpectedColumns:   cfg.ExpectedColumns,
		YTolerance:        cfg.YTolerance,
		DPI:               cfg.RasterDPI,
		Workers:           cfg.PageWorkers,
		DetectorSlots:     cfg.PageWorkers, // one per pooled tesseract client
		PageTimeout:       cfg.PageTimeout,
		MaxImageDimension: cfg.MaxImageDimension,
		Format:            format,
	}, detector, rasterizer, logging.NewLogger("Pipeline"))
	if err != nil {
		return err
	}

	procCfg := &processor.ProcessorConfig{
		Extractor:   a.Pipeline,
		MaxFileSize: cfg.MaxFileSize,
		Download: processor.DownloadConfig{
			Timeout: cfg.ProcessingTimeout,
		},
	}

	if opts.WithDatabase {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		target, err := storage.ParseQualifiedName(cfg.TargetTable)
		if err != nil {
			return err
		}

		a.logger.Info("Connecting to PostgreSQL")
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)

		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := storage.EnsureSchema(schemaCtx, db.DB(), target); err != nil {
			return err
		}

		procCfg.Jobs = db
		procCfg.Sink = storage.NewSink(db.DB(), target, logging.NewLogger("Sink"))
	}

	a.Processor, err = processor.NewTableProcessor(procCfg)
	return err
}

func (a *App) newDetector() (ocr.Detector, error) {
	cfg := a.Config

	switch cfg.OCREngine {
	case "remote":
		a.logger.Info("Using remote detection service", "url", cfg.OCRServiceURL)
		return clients.NewDetectionClient(cfg.OCRServiceURL, cfg.OCRLanguages), nil
	default:
		detector, err := ocr.NewTesseractDetector(&ocr.TesseractConfig{
			Languages: cfg.OCRLanguages,
			Level:     cfg.OCRLevel,
			PoolSize:  cfg.PageWorkers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tesseract: %w", err)
		}
		a.closers = append(a.closers, detector.Close)
		return detector, nil
	}
}

// HealthCheck pings the database when one is wired
func (a *App) HealthCheck(ctx context.Context) error {
	if a.DB == nil {
		return nil
	}
	if err := a.DB.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close releases components in reverse order of creation
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
