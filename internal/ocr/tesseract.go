/**
 * Tesseract Detection Source
 *
 * Word-level (or line-level) bounding boxes from a pool of gosseract clients.
 * Clients are created and configured once; a Detect call borrows one for the
 * duration of a page.
 */

package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
	Level     string // "word", "textline", "para", "block"
	PoolSize  int
}

// TesseractDetector implements Detector over gosseract
type TesseractDetector struct {
	clients chan *gosseract.Client
	all     []*gosseract.Client
	level   gosseract.PageIteratorLevel
	logger  *logging.Logger
}

// ParseLevel maps a config value to a gosseract iterator level
func ParseLevel(name string) (gosseract.PageIteratorLevel, error) {
	switch strings.ToLower(name) {
	case "", "word":
		return gosseract.RIL_WORD, nil
	case "textline", "line":
		return gosseract.RIL_TEXTLINE, nil
	case "para", "paragraph":
		return gosseract.RIL_PARA, nil
	case "block":
		return gosseract.RIL_BLOCK, nil
	default:
		return gosseract.RIL_WORD, fmt.Errorf("unknown OCR level %q", name)
	}
}

// NewTesseractDetector creates PoolSize configured clients
func NewTesseractDetector(cfg *TesseractConfig) (*TesseractDetector, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}

	d := &TesseractDetector{
		clients: make(chan *gosseract.Client, size),
		all:     make([]*gosseract.Client, 0, size),
		level:   level,
		logger:  logging.NewLogger("Tesseract"),
	}

	for i := 0; i < size; i++ {
		client := gosseract.NewClient()
		if len(cfg.Languages) > 0 {
			if err := client.SetLanguage(cfg.Languages...); err != nil {
				client.Close()
				d.Close()
				return nil, fmt.Errorf("failed to set languages %v: %w", cfg.Languages, err)
			}
		}
		// Table cells are scattered fragments, not flowing paragraphs
		if err := client.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
			client.Close()
			d.Close()
			return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
		}
		d.all = append(d.all, client)
		d.clients <- client
	}

	d.logger.Info("Tesseract detector ready", "pool", size, "level", cfg.Level, "languages", strings.Join(cfg.Languages, "+"))
	return d, nil
}

// Detect runs recognition on one encoded image
func (d *TesseractDetector) Detect(ctx context.Context, image []byte) ([]table.Detection, error) {
	var client *gosseract.Client
	select {
	case client = <-d.clients:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.clients <- client }()

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(d.level)
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return toDetections(boxes), nil
}

// Close releases all pooled clients
func (d *TesseractDetector) Close() error {
	var firstErr error
	for _, c := range d.all {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.all = nil
	return firstErr
}

// toDetections converts rectangles to quadrilaterals. Text is passed through
// as recognized, blank boxes included, so every box counts as a cell.
func toDetections(boxes []gosseract.BoundingBox) []table.Detection {
	detections := make([]table.Detection, 0, len(boxes))
	for _, b := range boxes {
		detections = append(detections, table.RectDetection(
			float64(b.Box.Min.X), float64(b.Box.Min.Y),
			float64(b.Box.Max.X), float64(b.Box.Max.Y),
			b.Word,
			b.Confidence/100.0,
		))
	}
	return detections
}
