package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/logging"
)

// DownloadConfig controls fetching uploads by URL
type DownloadConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 32 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

type downloader struct {
	cfg         DownloadConfig
	maxFileSize int64
	client      *http.Client
	logger      *logging.Logger
}

func newDownloader(cfg DownloadConfig, maxFileSize int64, logger *logging.Logger) *downloader {
	cfg = cfg.withDefaults()
	return &downloader{
		cfg:         cfg,
		maxFileSize: maxFileSize,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

// fetch downloads fileURL with exponential backoff. Client errors (4xx) and
// oversized files are not retried.
func (d *downloader) fetch(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		d.logger.Debug("Download attempt", "job", jobID, "attempt", attempt, "max", d.cfg.MaxRetries)

		data, retry, err := d.attempt(ctx, jobID, fileURL, expectedSize)
		if err == nil {
			d.logger.Info("Download successful", "job", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if !retry {
			return nil, err
		}

		lastErr = err
		d.logger.Warn("Download attempt failed", "job", jobID, "attempt", attempt, "error", err)

		if attempt < d.cfg.MaxRetries {
			backoff := d.cfg.InitialBackoff << (attempt - 1)
			if backoff > d.cfg.MaxBackoff || backoff <= 0 {
				backoff = d.cfg.MaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

func (d *downloader) attempt(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, errors.NewInputUnreadableError(jobID, "invalid file URL", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, false, errors.NewInputUnreadableError(jobID, fmt.Sprintf("download returned HTTP %d", resp.StatusCode), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	contentLength := resp.ContentLength
	if contentLength > 0 && expectedSize > 0 && contentLength != expectedSize {
		d.logger.Warn("Content-Length mismatch", "job", jobID, "expected", expectedSize, "got", contentLength)
	}

	if d.maxFileSize > 0 && contentLength > d.maxFileSize {
		return nil, false, errors.NewInputUnreadableError(jobID,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", contentLength, d.maxFileSize), nil)
	}

	limit := d.maxFileSize
	if limit <= 0 {
		limit = 10 * 1024 * 1024 * 1024
	}

	// Read one byte past the limit to detect bodies without Content-Length
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	if int64(len(data)) > limit {
		return nil, false, errors.NewInputUnreadableError(jobID,
			fmt.Sprintf("file size exceeds maximum of %d bytes", limit), nil)
	}

	return data, false, nil
}
