/**
 * Detection Service Client
 *
 * Delegates text detection to an external OCR service (for example an
 * EasyOCR sidecar holding the handwriting model on a GPU host). The service
 * loads its model once; this client only ships page images over HTTP.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

// DetectionClient handles communication with the OCR detection service
type DetectionClient struct {
	baseURL    string
	languages  []string
	httpClient *http.Client
	logger     *logging.Logger
}

// DetectRequest represents a request to detect text regions in an image
type DetectRequest struct {
	Image     string   `json:"image"`  // Base64 encoded image
	Format    string   `json:"format"` // always "base64"
	Languages []string `json:"languages,omitempty"`
}

// DetectResponse represents the service response
type DetectResponse struct {
	Success bool       `json:"success"`
	Data    DetectData `json:"data"`
	Message string     `json:"message"`
}

// DetectData contains the raw detections
type DetectData struct {
	Detections     []RawDetection `json:"detections"`
	ModelUsed      string         `json:"modelUsed"`
	ProcessingTime int64          `json:"processingTime"` // milliseconds
}

// RawDetection is one (box, text, confidence) triple as the service emits it
type RawDetection struct {
	Box        [][]float64 `json:"box"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

// NewDetectionClient creates a new detection service client
func NewDetectionClient(baseURL string, languages []string) *DetectionClient {
	return &DetectionClient{
		baseURL:   baseURL,
		languages: languages,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Handwriting models on CPU are slow
		},
		logger: logging.NewLogger("DetectionClient"),
	}
}

// Detect sends one encoded page image and returns its detections
func (c *DetectionClient) Detect(ctx context.Context, image []byte) ([]table.Detection, error) {
	endpoint := fmt.Sprintf("%s/api/detect", c.baseURL)

	reqBody, err := json.Marshal(&DetectRequest{
		Image:     base64.StdEncoding.EncodeToString(image),
		Format:    "base64",
		Languages: c.languages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "tablescan-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("detect-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to detection service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var detectResp DetectResponse
	if err := json.Unmarshal(body, &detectResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !detectResp.Success {
		return nil, fmt.Errorf("detection failed: %s", detectResp.Message)
	}

	detections := make([]table.Detection, 0, len(detectResp.Data.Detections))
	malformed := 0
	for _, raw := range detectResp.Data.Detections {
		d, ok := raw.toDetection()
		if !ok {
			malformed++
			continue
		}
		detections = append(detections, d)
	}

	if malformed > 0 {
		c.logger.Warn("Skipped detections with malformed boxes", "count", malformed)
	}

	c.logger.Debug("Detection complete",
		"modelUsed", detectResp.Data.ModelUsed,
		"processingTime", detectResp.Data.ProcessingTime,
		"detections", len(detections))

	return detections, nil
}

// toDetection requires exactly four [x, y] corners
func (r RawDetection) toDetection() (table.Detection, bool) {
	if len(r.Box) != 4 {
		return table.Detection{}, false
	}
	var d table.Detection
	for i, p := range r.Box {
		if len(p) != 2 {
			return table.Detection{}, false
		}
		d.Box[i] = table.Point{X: p[0], Y: p[1]}
	}
	d.Text = r.Text
	d.Confidence = r.Confidence
	return d, true
}

// HealthCheck verifies the detection service is available
func (c *DetectionClient) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
