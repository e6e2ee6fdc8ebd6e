package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the tablescan worker
 *
 * Every failure that crosses a package boundary carries an ErrorCode so
 * callers can tell input errors, per-page failures and per-row failures apart.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors (whole request rejected)
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorInputUnreadable   ErrorCode = "INPUT_UNREADABLE"
	ErrorNoDetector        ErrorCode = "NO_DETECTOR"

	// Processing errors
	ErrorRasterizeFailed   ErrorCode = "RASTERIZE_FAILED"
	ErrorDetectionFailed   ErrorCode = "DETECTION_FAILED"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorRowRejected       ErrorCode = "ROW_REJECTED"

	// Storage errors
	ErrorPersistFailed  ErrorCode = "PERSIST_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewUnsupportedFormatError(jobID string, filename string, detected string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", filename),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"filename":      filename,
			"detected_mime": detected,
		},
	}
}

func NewInputUnreadableError(jobID string, reason string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputUnreadable,
		Message:   fmt.Sprintf("Input could not be read: %s", reason),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewNoDetectorError(engine string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoDetector,
		Message:   fmt.Sprintf("No detection source available for engine: %s", engine),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
	}
}

func NewRasterizeFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRasterizeFailed,
		Message:   "Failed to rasterize PDF",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDetectionFailedError(jobID string, page int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDetectionFailed,
		Message:   fmt.Sprintf("Detection failed on page %d", page),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"page": page,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewRowRejectedError(jobID string, row int, cells int, expected int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRowRejected,
		Message:   fmt.Sprintf("Row %d has %d cells, expected %d", row, cells, expected),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"row":      row,
			"cells":    cells,
			"expected": expected,
		},
	}
}

func NewPersistFailedError(jobID string, row int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPersistFailed,
		Message:   fmt.Sprintf("Failed to persist row %d", row),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"row": row,
		},
		Cause: cause,
	}
}

func NewDatabaseFailedError(jobID string, operation string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDatabaseFailed,
		Message:   fmt.Sprintf("Database operation failed: %s", operation),
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsInputError reports whether err rejects the whole request
func IsInputError(err error) bool {
	switch CodeOf(err) {
	case ErrorUnsupportedFormat, ErrorInputUnreadable:
		return true
	}
	return false
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
