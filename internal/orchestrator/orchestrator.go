// Package orchestrator owns the job lifecycle: it resolves targets, runs a
// bounded worker pool over them, checkpoints progress and supports cancel,
// resume and crash recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/progress"
	"github.com/JakeFAU/surf-results-harvester/internal/resolver"
	"github.com/JakeFAU/surf-results-harvester/internal/worker"
)

// ErrClosed is returned once Shutdown has begun.
var ErrClosed = errors.New("orchestrator is shutting down")

// Session resolves and harvests the targets of one job run.
type Session interface {
	Resolve(ctx context.Context, jobID string, filter harvest.FilterSpec) (resolver.Resolution, error)
	worker.Harvester
}

// SessionFactory builds the session of a run from the job's filter.
type SessionFactory func(filter harvest.FilterSpec) (Session, error)

// Store is the checkpoint store plus the aggregate projections rebuilt
// after each run.
type Store interface {
	harvest.CheckpointStore
	RebuildAggregate(ctx context.Context, jobID string) ([]harvest.SurferRecord, error)
	ExportAggregate(ctx context.Context, jobID string) error
	BuildOptions(ctx context.Context, now time.Time) (checkpoint.Options, error)
	WriteOptions(ctx context.Context, opts checkpoint.Options) error
}

// Config tunes the orchestrator.
type Config struct {
	// Topic receives one notification per persisted target. Empty disables.
	Topic string
	// ETAWindow is the number of recent target durations averaged for ETA.
	ETAWindow int
	// Regions restricts filter regions to known codes when non-nil.
	Regions map[string]string
}

// Dependencies are the collaborators shared by every run. Store, Sessions,
// Clock and IDs are required.
type Dependencies struct {
	Store     Store
	Sessions  SessionFactory
	Index     harvest.JobIndex
	Publisher harvest.Publisher
	Hasher    harvest.Hasher
	Clock     harvest.Clock
	IDs       harvest.IDGenerator
	Retry     harvest.RetryPolicy
	Progress  progress.Emitter
}

// Orchestrator runs jobs. It is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Sessions == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("orchestrator requires a store, a session factory, a clock and an id generator")
	}
	if deps.Retry == nil {
		deps.Retry = harvest.NewExponentialRetryPolicy(harvest.RetryConfig{})
	}
	if cfg.ETAWindow <= 0 {
		cfg.ETAWindow = progress.DefaultETAWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		runs:   make(map[string]*run),
	}, nil
}

// CreateJob validates filter, persists a queued job and starts running it.
func (o *Orchestrator) CreateJob(ctx context.Context, filter harvest.FilterSpec) (string, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	filter = filter.Normalize()
	if err := filter.Validate(o.cfg.Regions); err != nil {
		return "", err
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	state := harvest.JobState{
		ID:           id,
		Status:       harvest.JobStatusQueued,
		Filter:       filter,
		CreatedAt:    o.deps.Clock.Now().UTC(),
		TargetStatus: map[string]harvest.TargetStatus{},
	}
	if err := o.deps.Store.PersistJobState(ctx, state); err != nil {
		return "", fmt.Errorf("persist new job: %w", err)
	}
	o.index(ctx, state)
	if err := o.start(ctx, state); err != nil {
		return "", err
	}
	o.logger.Info("job created",
		zap.String("job_id", id),
		zap.Ints("years", filter.Years),
		zap.Strings("regions", filter.Regions),
		zap.Int("max_workers", filter.MaxWorkers),
	)
	return id, nil
}

// CancelJob stops a running job from dequeuing further targets. Targets in
// flight finish and checkpoint before the job becomes cancelled. An idle
// interrupted or queued job is marked cancelled directly.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		r.stop(false)
		o.logger.Info("job cancel requested", zap.String("job_id", jobID))
		return nil
	}

	state, err := o.deps.Store.LoadJobState(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if state.Status.Terminal() {
		return fmt.Errorf("cancel job %s (%s): %w", jobID, state.Status, harvest.ErrJobFinished)
	}
	finished := o.deps.Clock.Now().UTC()
	state.Status = harvest.JobStatusCancelled
	state.FinishedAt = &finished
	if err := o.deps.Store.PersistJobState(ctx, state); err != nil {
		return fmt.Errorf("persist cancelled job: %w", err)
	}
	o.index(ctx, state)
	return nil
}

// ResumeJob restarts an interrupted, cancelled or failed job over the
// targets that are not done yet.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string) error {
	o.mu.Lock()
	_, active := o.runs[jobID]
	o.mu.Unlock()
	if active {
		return fmt.Errorf("resume job %s: %w", jobID, harvest.ErrJobActive)
	}
	state, err := o.deps.Store.LoadJobState(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if state.Status == harvest.JobStatusCompleted {
		return fmt.Errorf("resume job %s: %w", jobID, harvest.ErrJobFinished)
	}
	state.Status = harvest.JobStatusQueued
	state.FinishedAt = nil
	state.Error = ""
	if err := o.deps.Store.PersistJobState(ctx, state); err != nil {
		return fmt.Errorf("persist resumed job: %w", err)
	}
	o.index(ctx, state)
	if err := o.start(ctx, state); err != nil {
		return err
	}
	o.logger.Info("job resumed", zap.String("job_id", jobID))
	return nil
}

// Recover marks every persisted job that claims to be queued or running,
// but has no live worker pool in this process, as interrupted. It returns
// the ids it changed.
func (o *Orchestrator) Recover(ctx context.Context) ([]string, error) {
	states, err := o.deps.Store.ListJobStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	var ids []string
	for _, state := range states {
		if state.Status != harvest.JobStatusRunning && state.Status != harvest.JobStatusQueued {
			continue
		}
		o.mu.Lock()
		_, live := o.runs[state.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		state.Status = harvest.JobStatusInterrupted
		if err := o.deps.Store.PersistJobState(ctx, state); err != nil {
			return ids, fmt.Errorf("persist interrupted job %s: %w", state.ID, err)
		}
		o.index(ctx, state)
		ids = append(ids, state.ID)
		o.logger.Warn("job interrupted by a previous shutdown", zap.String("job_id", state.ID))
	}
	return ids, nil
}

// Shutdown stops every run, leaving them interrupted and resumable, and
// waits for in-flight targets to checkpoint.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, r := range o.runs {
		r.stop(true)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown wait: %w", ctx.Err())
	}
}

// Wait blocks until the job's current run ends. It returns immediately
// when the job is not running.
func (o *Orchestrator) Wait(ctx context.Context, jobID string) error {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
	}
}

// GetSnapshot returns the progress of a job, live when it is running.
func (o *Orchestrator) GetSnapshot(ctx context.Context, jobID string) (harvest.Snapshot, error) {
	o.mu.Lock()
	r, ok := o.runs[jobID]
	o.mu.Unlock()
	if ok {
		return r.snapshot(o.deps.Clock.Now()), nil
	}
	state, err := o.deps.Store.LoadJobState(ctx, jobID)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return stateSnapshot(state), nil
}

// ListJobs returns job summaries from the index when one is configured,
// falling back to the checkpoint store. Running jobs report live counters.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]harvest.JobSummary, error) {
	var summaries []harvest.JobSummary
	if o.deps.Index != nil {
		indexed, err := o.deps.Index.ListJobs(ctx)
		if err == nil {
			summaries = indexed
		} else {
			o.logger.Warn("job index list failed, reading checkpoints", zap.Error(err))
		}
	}
	if summaries == nil {
		states, err := o.deps.Store.ListJobStates(ctx)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		summaries = make([]harvest.JobSummary, 0, len(states))
		for _, state := range states {
			summaries = append(summaries, state.Summary())
		}
	}

	o.mu.Lock()
	live := make(map[string]*run, len(o.runs))
	maps.Copy(live, o.runs)
	o.mu.Unlock()
	for i, s := range summaries {
		if r, ok := live[s.ID]; ok {
			summaries[i] = r.summary()
		}
	}
	return summaries, nil
}

// Results returns the merged surfer records persisted for a job.
func (o *Orchestrator) Results(ctx context.Context, jobID string) ([]harvest.SurferRecord, error) {
	if _, err := o.deps.Store.LoadJobState(ctx, jobID); err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	records, err := o.deps.Store.RebuildAggregate(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("rebuild results for %s: %w", jobID, err)
	}
	return records, nil
}

func (o *Orchestrator) start(ctx context.Context, state harvest.JobState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if _, ok := o.runs[state.ID]; ok {
		return fmt.Errorf("start job %s: %w", state.ID, harvest.ErrJobActive)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := newRun(o, state, cancel)
	o.runs[state.ID] = r
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(r.done)
		defer cancel()
		o.execute(runCtx, r)
		o.mu.Lock()
		delete(o.runs, state.ID)
		o.mu.Unlock()
	}()
	return nil
}

// index upserts the job summary. The index is a projection, so failures
// are logged only.
func (o *Orchestrator) index(ctx context.Context, state harvest.JobState) {
	if o.deps.Index == nil {
		return
	}
	if err := o.deps.Index.UpsertJob(context.WithoutCancel(ctx), state.Summary()); err != nil {
		o.logger.Warn("job index upsert failed", zap.String("job_id", state.ID), zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.deps.Progress == nil {
		return
	}
	o.deps.Progress.Emit(evt)
}

// saveState persists state under the retry policy, ignoring cancellation.
func (o *Orchestrator) saveState(ctx context.Context, state harvest.JobState) error {
	ctx = context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		err := o.deps.Store.PersistJobState(ctx, state)
		if err == nil {
			return nil
		}
		if !o.deps.Retry.ShouldRetry(err, attempt) {
			return fmt.Errorf("persist job state after %d attempts: %w", attempt, err)
		}
		if err := harvest.Sleep(ctx, o.deps.Retry.Backoff(attempt)); err != nil {
			return fmt.Errorf("persist job state backoff: %w", err)
		}
	}
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

func stateSnapshot(state harvest.JobState) harvest.Snapshot {
	c := state.Counters()
	return harvest.Snapshot{
		JobID:     state.ID,
		Status:    state.Status,
		Completed: c.Completed,
		Failed:    c.Failed,
		Partial:   c.Partial,
		Total:     c.Total,
		Percent:   percent(c.Completed+c.Failed+c.Partial, c.Total),
		StartedAt: state.StartedAt,
		Unmatched: state.Unmatched,
	}
}
