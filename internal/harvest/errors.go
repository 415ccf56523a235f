package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by every component. Callers classify with errors.Is.
var (
	// ErrTransientFetch covers timeouts, 5xx and rate-limited responses.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrResourceUnavailable means every retrieval strategy was exhausted.
	ErrResourceUnavailable = errors.New("resource unavailable")
	// ErrNoMatchFound means a surfer name pattern matched nobody.
	ErrNoMatchFound = errors.New("no match found")
	// ErrMalformedRecord marks a field that failed normalization.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrPersistence wraps checkpoint write failures.
	ErrPersistence = errors.New("persistence error")
	// ErrCancelled is returned when a job was cancelled while blocked.
	ErrCancelled = errors.New("cancelled")
	// ErrEmpty is returned by a strategy that produced no usable payload.
	ErrEmpty = errors.New("empty payload")
	// ErrNotFound is returned by lookups for unknown jobs or targets.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFilter rejects a filter spec at job creation.
	ErrInvalidFilter = errors.New("invalid filter spec")
	// ErrJobActive rejects operations that need an idle job.
	ErrJobActive = errors.New("job is active")
	// ErrJobFinished rejects operations on completed jobs.
	ErrJobFinished = errors.New("job already finished")
	// ErrQueueClosed is returned by Dequeue once the queue is drained.
	ErrQueueClosed = errors.New("queue closed")
)

// StatusError reports a non-success HTTP status from the source.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.URL)
}

// Is maps status codes onto the taxonomy.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrTransientFetch:
		return e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout || e.Code >= 500
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	}
	return false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrPersistence)
}
