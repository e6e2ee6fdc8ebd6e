/**
 * Configuration for the tablescan worker
 *
 * Loads configuration from environment variables (optionally seeded from
 * .env.tablescan by the entry points).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string // "redis" (list protocol) or "asynq"

	// PostgreSQL configuration
	DatabaseURL string
	TargetTable string

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout time.Duration

	// Page pipeline
	PageWorkers       int
	PageTimeout       time.Duration
	RasterDPI         int
	MaxImageDimension int
	RasterFormat      string // "png" or "tiff"

	// Row reconstruction
	ExpectedColumns int
	YTolerance      float64

	// OCR engine
	OCREngine     string // "tesseract" or "remote"
	OCRLanguages  []string
	OCRLevel      string // "word", "textline", "para", "block"
	OCRServiceURL string

	// HTTP API; empty disables it
	HTTPPort string

	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := fromEnv()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadLocalConfig is LoadConfig for one-shot local extraction, where
// DATABASE_URL may be absent.
func LoadLocalConfig() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateProcessing(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "tablescan:jobs"),
		QueueBackend:      getEnvOrDefault("QUEUE_BACKEND", "redis"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		TargetTable:       getEnvOrDefault("TABLESCAN_TABLE", "tablescan.material_issues"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 10*time.Minute),
		PageWorkers:       getEnvAsIntOrDefault("PAGE_WORKERS", 4),
		PageTimeout:       getEnvAsDurationOrDefault("PAGE_TIMEOUT", 2*time.Minute),
		RasterDPI:         getEnvAsIntOrDefault("RASTER_DPI", 200),
		MaxImageDimension: getEnvAsIntOrDefault("MAX_IMAGE_DIMENSION", 4000),
		RasterFormat:      getEnvOrDefault("RASTER_FORMAT", "png"),
		ExpectedColumns:   getEnvAsIntOrDefault("EXPECTED_COLUMNS", 5),
		YTolerance:        getEnvAsFloatOrDefault("Y_TOLERANCE", 10),
		OCREngine:         getEnvOrDefault("OCR_ENGINE", "tesseract"),
		OCRLanguages:      splitList(getEnvOrDefault("OCR_LANGUAGES", "eng")),
		OCRLevel:          getEnvOrDefault("OCR_LEVEL", "word"),
		OCRServiceURL:     getEnvOrDefault("OCR_SERVICE_URL", ""),
		HTTPPort:          getEnvOrDefault("HTTP_PORT", ""),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	return c.validateProcessing()
}

func (c *Config) validateProcessing() error {
	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 64, got %d", c.WorkerConcurrency)
	}

	if c.PageWorkers < 1 || c.PageWorkers > 32 {
		return fmt.Errorf("PAGE_WORKERS must be between 1 and 32, got %d", c.PageWorkers)
	}

	if c.RasterDPI < 72 || c.RasterDPI > 600 {
		return fmt.Errorf("RASTER_DPI must be between 72 and 600, got %d", c.RasterDPI)
	}

	if c.RasterFormat != "png" && c.RasterFormat != "tiff" {
		return fmt.Errorf("RASTER_FORMAT must be png or tiff, got %q", c.RasterFormat)
	}

	if c.ExpectedColumns < 1 {
		return fmt.Errorf("EXPECTED_COLUMNS must be positive, got %d", c.ExpectedColumns)
	}

	if c.YTolerance < 0 {
		return fmt.Errorf("Y_TOLERANCE must not be negative, got %v", c.YTolerance)
	}

	if c.MaxFileSize < 1024 {
		return fmt.Errorf("MAX_FILE_SIZE must be at least 1KB, got %d", c.MaxFileSize)
	}

	switch c.OCREngine {
	case "tesseract":
	case "remote":
		if c.OCRServiceURL == "" {
			return fmt.Errorf("OCR_SERVICE_URL is required when OCR_ENGINE=remote")
		}
	default:
		return fmt.Errorf("OCR_ENGINE must be tesseract or remote, got %q", c.OCREngine)
	}

	if !strings.Contains(c.TargetTable, ".") {
		return fmt.Errorf("TABLESCAN_TABLE must be schema-qualified, got %q", c.TargetTable)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or plain milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultValue
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '+' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
