package orchestrator

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/dispatcher"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
	"github.com/JakeFAU/surf-results-harvester/internal/progress"
	"github.com/JakeFAU/surf-results-harvester/internal/queue/memory"
	"github.com/JakeFAU/surf-results-harvester/internal/worker"
)

// run is one execution of a job, from start to a final or interrupted
// status. It implements worker.Observer.
type run struct {
	o       *Orchestrator
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	cancelled   atomic.Bool
	interrupted atomic.Bool

	// persistMu orders job state writes so a stale copy never overwrites
	// a newer one.
	persistMu sync.Mutex

	mu      sync.Mutex
	state   harvest.JobState
	tracker *progress.Tracker
	fatal   error
}

var _ worker.Observer = (*run)(nil)

func newRun(o *Orchestrator, state harvest.JobState, cancel context.CancelFunc) *run {
	if state.TargetStatus == nil {
		state.TargetStatus = map[string]harvest.TargetStatus{}
	}
	return &run{
		o:      o,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  state,
	}
}

// stop ends dequeuing. interrupt distinguishes a process shutdown from a
// user cancel.
func (r *run) stop(interrupt bool) {
	if interrupt {
		r.interrupted.Store(true)
	} else {
		r.cancelled.Store(true)
	}
	r.cancel()
}

func (o *Orchestrator) execute(ctx context.Context, r *run) {
	jobID := r.state.ID
	logger := o.logger.With(zap.String("job_id", jobID))
	r.started = o.deps.Clock.Now().UTC()

	sess, err := o.deps.Sessions(r.state.Filter)
	if err != nil {
		o.finish(ctx, r, harvest.JobStatusFailed, err)
		return
	}

	r.mu.Lock()
	r.state.Status = harvest.JobStatusRunning
	if r.state.StartedAt == nil {
		started := r.started
		r.state.StartedAt = &started
	}
	r.mu.Unlock()
	if err := r.persist(ctx); err != nil {
		o.finish(ctx, r, harvest.JobStatusFailed, err)
		return
	}
	o.emit(progress.Event{JobID: jobID, TS: r.started, Stage: progress.StageJobStart})
	metrics.ObserveJob(string(harvest.JobStatusRunning))

	if !r.state.Resolved {
		res, err := sess.Resolve(ctx, jobID, r.state.Filter)
		if err != nil {
			o.finish(ctx, r, harvest.JobStatusFailed, err)
			return
		}
		r.mu.Lock()
		r.state.Targets = res.Targets
		r.state.Unmatched = res.Unmatched
		r.state.Resolved = true
		r.mu.Unlock()
		logger.Info("targets resolved",
			zap.Int("targets", len(res.Targets)),
			zap.Strings("unmatched", res.Unmatched),
		)
	}

	pending, err := o.prepare(ctx, r)
	if err != nil {
		o.finish(ctx, r, harvest.JobStatusFailed, err)
		return
	}
	if err := r.persist(ctx); err != nil {
		o.finish(ctx, r, harvest.JobStatusFailed, err)
		return
	}

	if len(pending) > 0 && ctx.Err() == nil {
		queue := memory.Fill(jobID, pending)
		count := min(r.state.Filter.MaxWorkers, len(pending))
		runners := make([]dispatcher.Runner, 0, count)
		for i := 0; i < count; i++ {
			runners = append(runners, worker.New(
				queue,
				sess,
				o.deps.Store,
				o.deps.Publisher,
				o.deps.Hasher,
				o.deps.Clock,
				o.deps.Retry,
				r,
				worker.Config{Topic: o.cfg.Topic},
				logger.Named("worker").With(zap.Int("index", i)),
			))
		}
		logger.Info("worker pool started", zap.Int("workers", count), zap.Int("pending", len(pending)))
		dispatcher.New(runners).Run(ctx)
	}

	r.mu.Lock()
	fatal := r.fatal
	r.mu.Unlock()
	o.finish(ctx, r, r.finalStatus(fatal), fatal)
}

// prepare adopts target results persisted by an earlier run but never
// marked in the job state, then returns the targets still to harvest and
// seeds the tracker.
func (o *Orchestrator) prepare(ctx context.Context, r *run) ([]harvest.Target, error) {
	persisted, err := o.deps.Store.ListTargetResults(ctx, r.state.ID)
	if err != nil && !errors.Is(err, harvest.ErrNotFound) {
		return nil, err
	}
	done := make(map[string]bool, len(persisted))
	for _, res := range persisted {
		if res.Status == harvest.TargetDone {
			done[res.Target.Key()] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tracker := progress.NewTracker(len(r.state.Targets), o.cfg.ETAWindow)
	tracker.Start(*r.state.StartedAt)
	var pending []harvest.Target
	for _, t := range r.state.Targets {
		key := t.Key()
		if r.state.TargetStatus[key] == harvest.TargetDone || done[key] {
			r.state.TargetStatus[key] = harvest.TargetDone
			tracker.Seed(harvest.TargetDone)
			continue
		}
		r.state.TargetStatus[key] = harvest.TargetPending
		pending = append(pending, t)
	}
	r.tracker = tracker
	return pending, nil
}

func (r *run) finalStatus(fatal error) harvest.JobStatus {
	switch {
	case fatal != nil:
		return harvest.JobStatusFailed
	case r.interrupted.Load():
		return harvest.JobStatusInterrupted
	case r.cancelled.Load():
		return harvest.JobStatusCancelled
	default:
		return harvest.JobStatusCompleted
	}
}

// finish records the final status of the run. A failure that happened
// because of a cancel or shutdown is reported as that instead.
func (o *Orchestrator) finish(ctx context.Context, r *run, status harvest.JobStatus, cause error) {
	if status == harvest.JobStatusFailed && cause != nil && r.fatalCause(cause) && ctx.Err() != nil {
		status = r.finalStatus(nil)
		cause = nil
	}
	now := o.deps.Clock.Now().UTC()

	r.mu.Lock()
	for key, st := range r.state.TargetStatus {
		if st == harvest.TargetInProgress {
			r.state.TargetStatus[key] = harvest.TargetPending
		}
	}
	r.state.Status = status
	r.state.Error = ""
	if cause != nil {
		r.state.Error = cause.Error()
	}
	if status.Terminal() {
		r.state.FinishedAt = &now
	}
	state := r.copyState()
	r.mu.Unlock()

	logger := o.logger.With(zap.String("job_id", state.ID))
	if err := r.persist(ctx); err != nil {
		logger.Error("persist final job state failed", zap.Error(err))
	}
	o.index(ctx, state)
	metrics.ObserveJob(string(status))

	stage := progress.StageJobDone
	if status == harvest.JobStatusFailed {
		stage = progress.StageJobError
	}
	o.emit(progress.Event{
		JobID:  state.ID,
		TS:     now,
		Stage:  stage,
		Status: string(status),
		Dur:    now.Sub(r.started),
		Note:   state.Error,
	})

	c := state.Counters()
	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("completed", c.Completed),
		zap.Int("failed", c.Failed),
		zap.Int("partial", c.Partial),
		zap.Int("total", c.Total),
	}
	if cause != nil {
		logger.Error("job finished", append(fields, zap.Error(cause))...)
	} else {
		logger.Info("job finished", fields...)
	}

	if status.Terminal() {
		o.project(ctx, state.ID)
	}
}

// fatalCause reports whether cause is a plain cancellation rather than a
// failure of its own.
func (r *run) fatalCause(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal == nil && (errors.Is(cause, context.Canceled) || errors.Is(cause, harvest.ErrCancelled))
}

// project rebuilds the job export and the options projection. Both are
// derived data, so failures are logged only.
func (o *Orchestrator) project(ctx context.Context, jobID string) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With(zap.String("job_id", jobID))
	if err := o.deps.Store.ExportAggregate(ctx, jobID); err != nil {
		logger.Warn("export aggregate failed", zap.Error(err))
	}
	opts, err := o.deps.Store.BuildOptions(ctx, o.deps.Clock.Now())
	if err != nil {
		logger.Warn("build options failed", zap.Error(err))
		return
	}
	if err := o.deps.Store.WriteOptions(ctx, opts); err != nil {
		logger.Warn("write options failed", zap.Error(err))
	}
}

// persist writes the current job state.
func (r *run) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	r.mu.Lock()
	state := r.copyState()
	r.mu.Unlock()
	return r.o.saveState(ctx, state)
}

// copyState must be called with r.mu held.
func (r *run) copyState() harvest.JobState {
	state := r.state
	state.TargetStatus = maps.Clone(r.state.TargetStatus)
	return state
}

func (r *run) snapshot(now time.Time) harvest.Snapshot {
	r.mu.Lock()
	state := r.copyState()
	tracker := r.tracker
	r.mu.Unlock()

	if tracker == nil {
		return stateSnapshot(state)
	}
	snap := tracker.Snapshot(now)
	snap.JobID = state.ID
	snap.Status = state.Status
	snap.Unmatched = state.Unmatched
	if state.StartedAt != nil {
		snap.StartedAt = state.StartedAt
	}
	return snap
}

func (r *run) summary() harvest.JobSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Summary()
}

// TargetStarted marks the target in progress.
func (r *run) TargetStarted(task harvest.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.TargetStatus[task.Target.Key()] = harvest.TargetInProgress
}

// TargetFinished marks a persisted target with its status and writes the
// job state. The result is already durable, so a failed state write is
// recovered on resume by adopting the target file.
func (r *run) TargetFinished(ctx context.Context, result harvest.TargetResult) {
	key := result.Target.Key()
	r.mu.Lock()
	r.state.TargetStatus[key] = result.Status
	tracker := r.tracker
	r.mu.Unlock()
	if tracker != nil {
		tracker.Record(result.Status, result.Duration)
	}

	if err := r.persist(ctx); err != nil {
		r.Fatal(result.JobID, err)
	}
	r.o.emit(progress.Event{
		JobID:    result.JobID,
		TS:       result.CompletedAt,
		Stage:    progress.StageTargetDone,
		Target:   key,
		Status:   string(result.Status),
		Attempts: result.Attempts,
		Dur:      result.Duration,
		Note:     result.Error,
	})
}

// TargetAbandoned returns the target to pending.
func (r *run) TargetAbandoned(task harvest.Task, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.TargetStatus[task.Target.Key()] = harvest.TargetPending
}

// Fatal fails the job and stops the pool. The first error wins.
func (r *run) Fatal(jobID string, err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.o.logger.Error("job failing on checkpoint error", zap.String("job_id", jobID), zap.Error(err))
	r.cancel()
}
