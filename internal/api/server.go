package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/adverant/nexus/tablescan-worker/internal/logging"
	"github.com/adverant/nexus/tablescan-worker/internal/processor"
	"github.com/adverant/nexus/tablescan-worker/internal/storage"
)

// JobLookup reads tracked jobs
type JobLookup interface {
	GetJobByID(ctx context.Context, jobID string) (*storage.JobRecord, error)
}

// HealthFunc reports dependency health; nil means healthy
type HealthFunc func(ctx context.Context) error

// Server is the review API: extract rows from an upload, inspect them, then
// persist them in a second call.
type Server struct {
	router     chi.Router
	processor  processor.TableProcessorInterface
	jobs       JobLookup
	health     HealthFunc
	maxUpload  int64
	reqTimeout time.Duration
	log        *logging.Logger
}

// Options configures optional Server dependencies
type Options struct {
	Jobs           JobLookup  // nil disables GET /api/jobs/{jobID}
	Health         HealthFunc // nil always reports ok
	MaxUploadBytes int64
	RequestTimeout time.Duration
	Logger         *logging.Logger
}

// NewServer creates and configures the HTTP server
func NewServer(proc processor.TableProcessorInterface, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("API")
	}

	s := &Server{
		processor:  proc,
		jobs:       opts.Jobs,
		health:     opts.Health,
		maxUpload:  opts.MaxUploadBytes,
		reqTimeout: opts.RequestTimeout,
		log:        opts.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.reqTimeout))

		r.Post("/extract", s.handleExtract)
		r.Post("/persist", s.handlePersist)
		r.Get("/jobs/{jobID}", s.handleGetJob)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			jsonError(w, "unhealthy: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"requestId", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
