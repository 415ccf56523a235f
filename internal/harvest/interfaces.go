package harvest

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Queue hands targets to workers. Dequeue returns ErrQueueClosed once the
// queue is drained.
type Queue interface {
	Dequeue(ctx context.Context) (Task, error)
}

// CheckpointStore persists per-target results and per-job state.
type CheckpointStore interface {
	PersistTarget(ctx context.Context, result TargetResult) error
	PersistJobState(ctx context.Context, state JobState) error
	LoadJobState(ctx context.Context, jobID string) (JobState, error)
	LoadTargetResult(ctx context.Context, jobID string, target Target) (TargetResult, error)
	ListTargetResults(ctx context.Context, jobID string) ([]TargetResult, error)
	ListJobStates(ctx context.Context) ([]JobState, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// JobIndex is a queryable projection of job summaries.
type JobIndex interface {
	UpsertJob(ctx context.Context, summary JobSummary) error
	ListJobs(ctx context.Context) ([]JobSummary, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
