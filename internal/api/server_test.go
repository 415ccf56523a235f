package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/orchestrator"
)

func TestServerHealthEndpoints(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{APIKey: "secret"})
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestServerReadyzWithoutController(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, Config{}, zap.NewNop())
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRequiresAPIKeyOnV1(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{APIKey: "secret"})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerEchoesRequestID(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestServerCORSPreflight(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{}, Config{AllowedOrigins: []string{"https://dash.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServerRecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeController{panicOnList: true}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := map[error]int{
		fmt.Errorf("create: %w", harvest.ErrInvalidFilter): http.StatusBadRequest,
		fmt.Errorf("load: %w", checkpoint.ErrInvalidID):    http.StatusBadRequest,
		fmt.Errorf("load: %w", harvest.ErrNotFound):        http.StatusNotFound,
		harvest.ErrJobActive:                               http.StatusConflict,
		harvest.ErrJobFinished:                             http.StatusConflict,
		orchestrator.ErrClosed:                             http.StatusServiceUnavailable,
		context.DeadlineExceeded:                           http.StatusGatewayTimeout,
		errors.New("boom"):                                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		require.Equal(t, want, statusFor(err), err.Error())
	}
}

func newTestServer(ctrl *fakeController, cfg Config) *Server {
	if cfg.Defaults.MaxWorkers == 0 {
		cfg.Defaults = JobDefaults{MaxWorkers: 4, MinDelay: time.Second, MaxDelay: 2 * time.Second}
	}
	return NewServer(ctrl, ctrl, cfg, zap.NewNop())
}

type fakeController struct {
	mu          sync.Mutex
	created     []harvest.FilterSpec
	cancelled   []string
	resumed     []string
	jobs        []harvest.JobSummary
	snapshots   map[string]harvest.Snapshot
	results     map[string][]harvest.SurferRecord
	options     *checkpoint.Options
	err         error
	panicOnList bool
}

func (f *fakeController) CreateJob(_ context.Context, filter harvest.FilterSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, filter)
	return fmt.Sprintf("job-%d", len(f.created)), nil
}

func (f *fakeController) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeController) ResumeJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.resumed = append(f.resumed, jobID)
	return nil
}

func (f *fakeController) GetSnapshot(_ context.Context, jobID string) (harvest.Snapshot, error) {
	snap, ok := f.snapshots[jobID]
	if !ok {
		return harvest.Snapshot{}, fmt.Errorf("job %s: %w", jobID, harvest.ErrNotFound)
	}
	return snap, nil
}

func (f *fakeController) ListJobs(context.Context) ([]harvest.JobSummary, error) {
	if f.panicOnList {
		panic("list exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]harvest.JobSummary(nil), f.jobs...), nil
}

func (f *fakeController) Results(_ context.Context, jobID string) ([]harvest.SurferRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[jobID], nil
}

func (f *fakeController) LoadOptions(context.Context) (checkpoint.Options, error) {
	if f.options == nil {
		return checkpoint.Options{}, fmt.Errorf("load options: %w", harvest.ErrNotFound)
	}
	return *f.options, nil
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": make(chan int)})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}
