package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
)

// DefaultETAWindow is the number of recent target durations averaged for ETA.
const DefaultETAWindow = 20

// Tracker keeps the counters and rolling duration window of one job run.
// It is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	total     int
	completed int
	failed    int
	partial   int
	startedAt *time.Time

	window []time.Duration
	next   int
	filled bool
}

// NewTracker returns a tracker for total targets averaging over the last
// window durations. A non-positive window uses DefaultETAWindow.
func NewTracker(total, window int) *Tracker {
	if window <= 0 {
		window = DefaultETAWindow
	}
	return &Tracker{
		total:  total,
		window: make([]time.Duration, window),
	}
}

// Start records the run start time once.
func (t *Tracker) Start(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt == nil {
		started := at.UTC()
		t.startedAt = &started
	}
}

// Seed counts a target that finished in an earlier run. It does not feed
// the duration window.
func (t *Tracker) Seed(status harvest.TargetStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count(status)
}

// Record counts a target finished by this run and adds its duration to the
// window.
func (t *Tracker) Record(status harvest.TargetStatus, dur time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.count(status) {
		return
	}
	t.window[t.next] = dur
	t.next = (t.next + 1) % len(t.window)
	if t.next == 0 {
		t.filled = true
	}
}

func (t *Tracker) count(status harvest.TargetStatus) bool {
	switch status {
	case harvest.TargetDone:
		t.completed++
	case harvest.TargetFailed:
		t.failed++
	case harvest.TargetPartial:
		t.partial++
	default:
		return false
	}
	return true
}

// Snapshot derives the progress view at now. JobID, Status and Unmatched
// are left for the caller.
func (t *Tracker) Snapshot(now time.Time) harvest.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := harvest.Snapshot{
		Completed: t.completed,
		Failed:    t.failed,
		Partial:   t.partial,
		Total:     t.total,
	}
	if t.startedAt != nil {
		started := *t.startedAt
		snap.StartedAt = &started
	}
	finished := t.completed + t.failed + t.partial
	if t.total > 0 {
		snap.Percent = float64(finished) / float64(t.total) * 100
	}

	pending := t.total - finished
	if pending < 0 {
		pending = 0
	}
	mean, ok := t.mean()
	if !ok && pending > 0 {
		return snap
	}
	eta := time.Duration(pending) * mean
	seconds := eta.Seconds()
	done := now.UTC().Add(eta)
	snap.ETASeconds = &seconds
	snap.EstimatedCompletion = &done
	return snap
}

func (t *Tracker) mean() (time.Duration, bool) {
	n := t.next
	if t.filled {
		n = len(t.window)
	}
	if n == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range t.window[:n] {
		sum += d
	}
	return sum / time.Duration(n), true
}
