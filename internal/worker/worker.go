// Package worker implements the per-target harvest loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/metrics"
	"github.com/JakeFAU/surf-results-harvester/internal/session"
)

// Harvester retrieves and normalizes one target.
type Harvester interface {
	Harvest(ctx context.Context, jobID string, target harvest.Target) (session.Outcome, error)
}

// Observer is told about every target a worker touches. Implementations
// must be safe for concurrent use.
type Observer interface {
	// TargetStarted is called after a task is dequeued.
	TargetStarted(task harvest.Task)
	// TargetFinished is called once result is durably persisted.
	TargetFinished(ctx context.Context, result harvest.TargetResult)
	// TargetAbandoned is called when cancellation interrupted the target
	// before anything was persisted. The target stays pending.
	TargetAbandoned(task harvest.Task, err error)
	// Fatal reports a checkpoint failure that survived every retry.
	Fatal(jobID string, err error)
}

// Config controls Worker behavior.
type Config struct {
	Topic string
}

// Worker consumes queued targets and runs the harvest pipeline for each.
type Worker struct {
	queue     harvest.Queue
	harvester Harvester
	store     harvest.CheckpointStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	retry     harvest.RetryPolicy
	observer  Observer
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. A nil retry policy uses the default exponential
// policy.
func New(
	queue harvest.Queue,
	harvester Harvester,
	store harvest.CheckpointStore,
	publisher harvest.Publisher,
	hasher harvest.Hasher,
	clock harvest.Clock,
	retry harvest.RetryPolicy,
	observer Observer,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if retry == nil {
		retry = harvest.NewExponentialRetryPolicy(harvest.RetryConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		harvester: harvester,
		store:     store,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		retry:     retry,
		observer:  observer,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes targets until the queue drains or ctx is cancelled. A
// target already dequeued when ctx ends still gets its checkpoint written.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, harvest.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued target",
			zap.String("job_id", task.JobID),
			zap.String("target", task.Target.Key()),
		)
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task harvest.Task) {
	start := w.clock.Now()
	w.observer.TargetStarted(task)

	outcome, attempts, err := w.harvest(ctx, task)
	if err != nil && cancelled(err) {
		w.logger.Info("target abandoned",
			zap.String("job_id", task.JobID),
			zap.String("target", task.Target.Key()),
			zap.Error(err),
		)
		w.observer.TargetAbandoned(task, err)
		return
	}

	result := harvest.TargetResult{
		JobID:    task.JobID,
		Target:   task.Target,
		Attempts: attempts,
	}
	if err != nil {
		result.Status = harvest.TargetFailed
		result.Error = err.Error()
		w.logger.Warn("target failed",
			zap.String("job_id", task.JobID),
			zap.String("target", task.Target.Key()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	} else {
		record := outcome.Record
		result.Status = outcome.Status
		result.Record = &record
		result.Error = outcome.Detail
	}
	result.CompletedAt = w.clock.Now().UTC()
	result.Duration = result.CompletedAt.Sub(start)
	if result.Record != nil {
		digest, err := w.digest(result.Record)
		if err != nil {
			w.logger.Warn("digest record failed", zap.String("job_id", task.JobID), zap.Error(err))
		}
		result.Digest = digest
	}

	// Checkpoints outlive cancellation: work already fetched is never lost.
	persistCtx := context.WithoutCancel(ctx)
	if err := w.persist(persistCtx, result); err != nil {
		w.logger.Error("persist target failed",
			zap.String("job_id", task.JobID),
			zap.String("target", task.Target.Key()),
			zap.Error(err),
		)
		w.observer.Fatal(task.JobID, err)
		return
	}
	metrics.ObserveTarget(string(result.Status), result.Duration)
	w.observer.TargetFinished(persistCtx, result)
	w.publishResult(persistCtx, result)
}

// harvest runs the target under the retry policy and returns the attempt
// count alongside the outcome.
func (w *Worker) harvest(ctx context.Context, task harvest.Task) (session.Outcome, int, error) {
	for attempt := 1; ; attempt++ {
		outcome, err := w.harvester.Harvest(ctx, task.JobID, task.Target)
		if err == nil {
			return outcome, attempt, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return session.Outcome{}, attempt, err
		}
		backoff := w.retry.Backoff(attempt)
		w.logger.Warn("retrying target",
			zap.String("job_id", task.JobID),
			zap.String("target", task.Target.Key()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := harvest.Sleep(ctx, backoff); err != nil {
			return session.Outcome{}, attempt, fmt.Errorf("%w: %w", harvest.ErrCancelled, err)
		}
	}
}

func (w *Worker) persist(ctx context.Context, result harvest.TargetResult) error {
	for attempt := 1; ; attempt++ {
		err := w.store.PersistTarget(ctx, result)
		if err == nil {
			return nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return fmt.Errorf("persist target %s after %d attempts: %w", result.Target.Key(), attempt, err)
		}
		if err := harvest.Sleep(ctx, w.retry.Backoff(attempt)); err != nil {
			return fmt.Errorf("persist target backoff: %w", err)
		}
	}
}

func (w *Worker) digest(record *harvest.SurferRecord) (string, error) {
	if w.hasher == nil {
		return "", nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	sum, err := w.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return sum, nil
}

// ResultNotice is the message published for each persisted target.
type ResultNotice struct {
	JobID     string `json:"job_id"`
	SurferID  string `json:"surfer_id"`
	Year      int    `json:"year"`
	Status    string `json:"status"`
	Events    int    `json:"events"`
	Digest    string `json:"digest,omitempty"`
	Attempts  int    `json:"attempts"`
	Timestamp string `json:"timestamp"`
}

func newResultNotice(result harvest.TargetResult) ResultNotice {
	n := ResultNotice{
		JobID:     result.JobID,
		SurferID:  result.Target.SurferID,
		Year:      result.Target.Year,
		Status:    string(result.Status),
		Digest:    result.Digest,
		Attempts:  result.Attempts,
		Timestamp: result.CompletedAt.Format(time.RFC3339),
	}
	if result.Record != nil {
		n.Events = len(result.Record.Events)
	}
	return n
}

// Attributes lets subscribers filter by job, surfer or status.
func (n ResultNotice) Attributes() map[string]string {
	return map[string]string{"job_id": n.JobID, "surfer_id": n.SurferID, "status": n.Status}
}

// OrderingKey keeps one job's notices in order.
func (n ResultNotice) OrderingKey() string {
	return n.JobID
}

// publishResult announces a persisted target. Failures are logged only.
func (w *Worker) publishResult(ctx context.Context, result harvest.TargetResult) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	log := w.logger.With(zap.String("job_id", result.JobID), zap.String("target", result.Target.Key()))
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, newResultNotice(result))
	if err != nil {
		log.Warn("publish target result failed", zap.Error(err))
		return
	}
	log.Debug("target result published", zap.String("message_id", id))
}

func cancelled(err error) bool {
	return errors.Is(err, harvest.ErrCancelled) || errors.Is(err, context.Canceled)
}
