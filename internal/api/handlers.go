package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/adverant/nexus/tablescan-worker/internal/errors"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/table"
)

type persistBody struct {
	JobID       string      `json:"jobId"`
	SourceJobID string      `json:"sourceJobId"`
	Rows        []table.Row `json:"rows"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	// extra 1MB for form overhead
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.maxUpload), http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if int64(len(data)) > s.maxUpload {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", s.maxUpload), http.StatusRequestEntityTooLarge)
		return
	}

	jobID := r.FormValue("job_id")
	if jobID == "" {
		jobID = uuid.NewString()
	}

	result, err := s.processor.ProcessDocument(r.Context(), &processor.ProcessRequest{
		JobID:      jobID,
		Filename:   sanitizeFilename(header.Filename),
		MimeType:   header.Header.Get("Content-Type"),
		FileSize:   int64(len(data)),
		FileBuffer: data,
		Metadata:   map[string]interface{}{"source": "api"},
	})
	if err != nil {
		if result != nil {
			// Detection failed on every page: report zero rows with the warning
			s.log.Warn("Extraction produced no rows", "job", jobID, "error", err)
			writeJSON(w, http.StatusOK, result)
			return
		}
		s.writeProcessingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	var body persistBody
	if err := json.NewDecoder(io.LimitReader(r.Body, s.maxUpload)).Decode(&body); err != nil {
		jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Rows == nil && body.SourceJobID == "" {
		jsonError(w, "rows or sourceJobId is required", http.StatusBadRequest)
		return
	}
	if body.JobID == "" {
		body.JobID = uuid.NewString()
	}

	result, err := s.processor.PersistRows(r.Context(), &processor.PersistRequest{
		JobID:       body.JobID,
		SourceJobID: body.SourceJobID,
		Rows:        body.Rows,
	})
	if err != nil {
		s.writeProcessingError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		jsonError(w, "job tracking disabled", http.StatusNotFound)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.GetJobByID(r.Context(), jobID)
	if err != nil {
		if strings.Contains(err.Error(), "job not found") {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		s.log.Error("Job lookup failed", "job", jobID, "error", err)
		jsonError(w, "job lookup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":            job.ID,
		"filename":         job.Filename,
		"status":           job.Status,
		"rowCount":         job.RowCount,
		"rejectedCount":    job.RejectedCount,
		"failedPages":      job.FailedPages,
		"processingTimeMs": job.ProcessingTimeMs,
		"errorCode":        job.ErrorCode,
		"errorMessage":     job.ErrorMessage,
		"createdAt":        job.CreatedAt,
		"updatedAt":        job.UpdatedAt,
	})
}

// writeProcessingError maps error codes to HTTP statuses
func (s *Server) writeProcessingError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrorUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	case errors.ErrorInputUnreadable, errors.ErrorRasterizeFailed:
		status = http.StatusUnprocessableEntity
	case errors.ErrorProcessingTimeout:
		status = http.StatusGatewayTimeout
	case errors.ErrorDetectionFailed:
		status = http.StatusBadGateway
	default:
		if stderrors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
	}

	if status >= 500 {
		s.log.Error("Request failed", "status", status, "error", err)
	}

	var pe *errors.ProcessingError
	if stderrors.As(err, &pe) {
		writeJSON(w, status, map[string]any{
			"error": pe.Message,
			"code":  pe.Code,
		})
		return
	}
	jsonError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
