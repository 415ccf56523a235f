package harvest

import (
	"fmt"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

// Job status values persisted in the checkpoint store.
const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
	JobStatusInterrupted JobStatus = "interrupted"
)

// Terminal reports whether no worker pool will touch the job again without a resume.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TargetStatus represents the lifecycle state of a single target.
type TargetStatus string

// Target status values.
const (
	TargetPending    TargetStatus = "pending"
	TargetInProgress TargetStatus = "in_progress"
	TargetDone       TargetStatus = "done"
	TargetFailed     TargetStatus = "failed"
	TargetPartial    TargetStatus = "partial"
)

// Terminal reports whether the target finished (successfully or not).
func (s TargetStatus) Terminal() bool {
	return s == TargetDone || s == TargetFailed || s == TargetPartial
}

// SurferRef identifies a surfer either by a known id or by a name pattern.
type SurferRef struct {
	ID      string `json:"id,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// String renders the reference the way the user supplied it.
func (r SurferRef) String() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Pattern
}

// Target is one schedulable unit of extraction work: one surfer in one year.
type Target struct {
	SurferID   string   `json:"surfer_id"`
	SurferName string   `json:"surfer_name"`
	Country    string   `json:"country,omitempty"`
	ProfileURL string   `json:"profile_url,omitempty"`
	Year       int      `json:"year"`
	Tours      []string `json:"tours,omitempty"`
}

// Key returns the stable identity of the target, (surfer id, year).
func (t Target) Key() string {
	return fmt.Sprintf("%s-%d", t.SurferID, t.Year)
}

// Task is one queued unit of work.
type Task struct {
	JobID  string
	Target Target
}

// SurferRecord is the canonical record for one surfer.
type SurferRecord struct {
	ID      string        `json:"surfer_id"`
	Name    string        `json:"name"`
	Country string        `json:"country"`
	Events  []EventRecord `json:"events"`
}

// EventRecord is the canonical record for one event a surfer entered.
type EventRecord struct {
	ID            string       `json:"event_id"`
	Name          string       `json:"event_name"`
	Year          int          `json:"year"`
	URL           string       `json:"url,omitempty"`
	Location      *string      `json:"location"`
	TourType      string       `json:"tour_type"`
	FinalPosition *int         `json:"final_position"`
	PointsEarned  *float64     `json:"points_earned"`
	Heats         []HeatRecord `json:"heats"`
	Partial       bool         `json:"partial,omitempty"`
	PartialFields []string     `json:"partial_fields,omitempty"`
}

// HeatRecord is the canonical record for one heat a surfer competed in.
type HeatRecord struct {
	ID            string    `json:"heat_id"`
	RoundName     string    `json:"round_name"`
	Position      *int      `json:"position"`
	TotalScore    *float64  `json:"total_score"`
	WaveScores    []float64 `json:"wave_scores"`
	Advanced      *bool     `json:"advanced"`
	HeatDate      *string   `json:"heat_date"`
	Partial       bool      `json:"partial,omitempty"`
	PartialFields []string  `json:"partial_fields,omitempty"`
}

// TargetResult is the durable per-target checkpoint.
type TargetResult struct {
	JobID       string        `json:"job_id"`
	Target      Target        `json:"target"`
	Status      TargetStatus  `json:"status"`
	Record      *SurferRecord `json:"record,omitempty"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`
	Duration    time.Duration `json:"duration_ns"`
	CompletedAt time.Time     `json:"completed_at"`
	Digest      string        `json:"digest,omitempty"`
}

// JobCounters tracks per-target outcomes for a job.
type JobCounters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Partial   int `json:"partial"`
}

// Pending returns the number of targets that have not reached a terminal state.
func (c JobCounters) Pending() int {
	p := c.Total - c.Completed - c.Failed - c.Partial
	if p < 0 {
		return 0
	}
	return p
}

// JobState is the durable per-job checkpoint.
type JobState struct {
	ID           string                  `json:"id"`
	Status       JobStatus               `json:"status"`
	Filter       FilterSpec              `json:"filter"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
	Resolved     bool                    `json:"resolved"`
	Targets      []Target                `json:"targets"`
	TargetStatus map[string]TargetStatus `json:"target_status"`
	Unmatched    []string                `json:"unmatched,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// Counters derives outcome counters from the per-target statuses.
func (s JobState) Counters() JobCounters {
	c := JobCounters{Total: len(s.Targets)}
	for _, t := range s.Targets {
		switch s.TargetStatus[t.Key()] {
		case TargetDone:
			c.Completed++
		case TargetFailed:
			c.Failed++
		case TargetPartial:
			c.Partial++
		}
	}
	return c
}

// Summary projects the state into the listing shape.
func (s JobState) Summary() JobSummary {
	return JobSummary{
		ID:         s.ID,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt,
		Counters:   s.Counters(),
	}
}

// JobSummary is returned by job listings.
type JobSummary struct {
	ID         string      `json:"job_id"`
	Status     JobStatus   `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Counters   JobCounters `json:"counters"`
}

// Snapshot is the polled progress view of a job.
type Snapshot struct {
	JobID               string     `json:"job_id"`
	Status              JobStatus  `json:"status"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Partial             int        `json:"partial"`
	Total               int        `json:"total"`
	Percent             float64    `json:"percent"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	ETASeconds          *float64   `json:"eta_seconds,omitempty"`
	Unmatched           []string   `json:"unmatched,omitempty"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
