package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
	"github.com/JakeFAU/surf-results-harvester/internal/orchestrator"
)

const defaultRequestTimeout = 30 * time.Second

// Controller is the job control surface served over HTTP.
type Controller interface {
	CreateJob(ctx context.Context, filter harvest.FilterSpec) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	ResumeJob(ctx context.Context, jobID string) error
	GetSnapshot(ctx context.Context, jobID string) (harvest.Snapshot, error)
	ListJobs(ctx context.Context) ([]harvest.JobSummary, error)
	Results(ctx context.Context, jobID string) ([]harvest.SurferRecord, error)
}

// OptionsSource serves the filter options projection.
type OptionsSource interface {
	LoadOptions(ctx context.Context) (checkpoint.Options, error)
}

// JobDefaults fill the pacing fields a create request leaves out.
type JobDefaults struct {
	MaxWorkers int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

// Config controls middleware and request defaults.
type Config struct {
	// APIKey guards /v1 when non-empty.
	APIKey         string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Defaults       JobDefaults
}

// Server wires HTTP handlers to the job controller.
type Server struct {
	router  chi.Router
	jobs    Controller
	options OptionsSource
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(jobs Controller, options OptionsSource, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		jobs:    jobs,
		options: options,
		cfg:     cfg,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP, withRequestID, s.accessLog, metrics.Middleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", apiKeyHeader, middleware.RequestIDHeader},
		}).Handler)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.TimeoutHandler(next, cfg.RequestTimeout, "request timed out")
		})
		if cfg.APIKey != "" {
			r.Use(requireAPIKey(cfg.APIKey))
		}
		r.Get("/options", s.getOptions)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", withJobID(s.getJob))
				r.Post("/cancel", withJobID(s.cancelJob))
				r.Post("/resume", withJobID(s.resumeJob))
				r.Get("/results", withJobID(s.getResults))
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job controller unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, harvest.ErrInvalidFilter), errors.Is(err, checkpoint.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, harvest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, harvest.ErrJobActive), errors.Is(err, harvest.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
