package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	maxRequestBytes = 1 << 20
)

type createJobRequest struct {
	Years      []int    `json:"years"`
	Regions    []string `json:"regions"`
	Tours      []string `json:"tours"`
	Surfers    []string `json:"surfers"`
	Locations  []string `json:"locations"`
	MaxWorkers *int     `json:"max_workers"`
	MinDelayMS *int     `json:"min_delay_ms"`
	MaxDelayMS *int     `json:"max_delay_ms"`
}

type jobListResponse struct {
	Jobs   []harvest.JobSummary `json:"jobs"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// createJob handles POST /v1/jobs. It returns 202 with {"job_id": ...}, 400
// for malformed bodies or filters, and 503 once the service is shutting down.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.jobs.CreateJob(r.Context(), s.toFilter(req))
	if err != nil {
		s.fail(w, "create job failed", "", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// listJobs handles GET /v1/jobs?status=&limit=&offset=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *harvest.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	jobs, err := s.jobs.ListJobs(r.Context())
	if err != nil {
		s.fail(w, "list jobs failed", "", err)
		return
	}
	if status != nil {
		filtered := jobs[:0:0]
		for _, job := range jobs {
			if job.Status == *status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	writeJSON(w, http.StatusOK, jobListResponse{
		Jobs:   page(jobs, limit, offset),
		Total:  len(jobs),
		Limit:  limit,
		Offset: offset,
	})
}

// getJob handles GET /v1/jobs/{job_id} and returns the progress snapshot.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	snap, err := s.jobs.GetSnapshot(r.Context(), jobID)
	if err != nil {
		s.fail(w, "get snapshot failed", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// cancelJob handles POST /v1/jobs/{job_id}/cancel. A running job finishes
// its in-flight targets before it reports cancelled.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.jobs.CancelJob(r.Context(), jobID); err != nil {
		s.fail(w, "cancel job failed", jobID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
}

// resumeJob handles POST /v1/jobs/{job_id}/resume.
func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.jobs.ResumeJob(r.Context(), jobID); err != nil {
		s.fail(w, "resume job failed", jobID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": string(harvest.JobStatusQueued)})
}

// getResults handles GET /v1/jobs/{job_id}/results and returns the merged
// per-surfer records persisted so far.
func (s *Server) getResults(w http.ResponseWriter, r *http.Request, jobID string) {
	records, err := s.jobs.Results(r.Context(), jobID)
	if err != nil {
		s.fail(w, "load results failed", jobID, err)
		return
	}
	if records == nil {
		records = []harvest.SurferRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "surfers": records})
}

// getOptions handles GET /v1/options. Before any job finishes the projection
// does not exist yet and an empty one is served.
func (s *Server) getOptions(w http.ResponseWriter, r *http.Request) {
	if s.options == nil {
		writeError(w, http.StatusServiceUnavailable, "options unavailable")
		return
	}
	opts, err := s.options.LoadOptions(r.Context())
	if errors.Is(err, harvest.ErrNotFound) {
		opts, err = emptyOptions(), nil
	}
	if err != nil {
		s.fail(w, "load options failed", "", err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func emptyOptions() checkpoint.Options {
	return checkpoint.Options{
		Years:     []int{},
		Tours:     []string{},
		Surfers:   []checkpoint.SurferOption{},
		Locations: []string{},
	}
}

func (s *Server) fail(w http.ResponseWriter, msg, jobID string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.String("job_id", jobID), zap.Error(err))
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) toFilter(req createJobRequest) harvest.FilterSpec {
	d := s.cfg.Defaults
	return harvest.FilterSpec{
		Years:      req.Years,
		Regions:    req.Regions,
		Tours:      req.Tours,
		Surfers:    req.Surfers,
		Locations:  req.Locations,
		MaxWorkers: valueOrDefault(req.MaxWorkers, d.MaxWorkers),
		MinDelay:   millisOrDefault(req.MinDelayMS, d.MinDelay),
		MaxDelay:   millisOrDefault(req.MaxDelayMS, d.MaxDelay),
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func millisOrDefault(ptr *int, def time.Duration) time.Duration {
	if ptr == nil {
		return def
	}
	return time.Duration(*ptr) * time.Millisecond
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}

// withJobID validates the {job_id} path parameter before calling h.
func withJobID(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := parseJobID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h(w, r, jobID)
	}
}

func parseJobID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if raw == "" {
		return "", errors.New("job_id is required")
	}
	if strings.ContainsAny(raw, `/\.`) {
		return "", fmt.Errorf("invalid job_id %q", raw)
	}
	return raw, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), def, 1)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid limit: %w", err)
	}
	offset, err := queryInt(q.Get("offset"), 0, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset: %w", err)
	}
	return min(limit, maxLimit), offset, nil
}

// queryInt parses raw, falling back to def when it is empty.
func queryInt(raw string, def, floor int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < floor {
		return 0, fmt.Errorf("must be >= %d", floor)
	}
	return n, nil
}

func parseStatus(input string) (harvest.JobStatus, error) {
	status := harvest.JobStatus(strings.ToLower(input))
	switch status {
	case harvest.JobStatusQueued, harvest.JobStatusRunning, harvest.JobStatusCompleted,
		harvest.JobStatusFailed, harvest.JobStatusCancelled, harvest.JobStatusInterrupted:
		return status, nil
	case "canceled":
		return harvest.JobStatusCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}
