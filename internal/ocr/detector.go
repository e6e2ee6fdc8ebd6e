/**
 * Detection Source
 *
 * A Detector turns one encoded page image into unordered text detections.
 * Implementations are constructed once per process and shared by all page
 * workers, so Detect must be safe for concurrent use.
 */

package ocr

import (
	"context"

	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// Detector is the OCR engine boundary
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]table.Detection, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(ctx context.Context, image []byte) ([]table.Detection, error)

func (f DetectorFunc) Detect(ctx context.Context, image []byte) ([]table.Detection, error) {
	return f(ctx, image)
}
