package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/surf-results-harvester/internal/checkpoint"
	"github.com/JakeFAU/surf-results-harvester/internal/clock/system"
	"github.com/JakeFAU/surf-results-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/surf-results-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/surf-results-harvester/internal/harvest"
	"github.com/JakeFAU/surf-results-harvester/internal/index/sqlite"
	"github.com/JakeFAU/surf-results-harvester/internal/progress"
	memorypublisher "github.com/JakeFAU/surf-results-harvester/internal/publisher/memory"
	"github.com/JakeFAU/surf-results-harvester/internal/resolver"
	"github.com/JakeFAU/surf-results-harvester/internal/session"
	"github.com/JakeFAU/surf-results-harvester/internal/sitetest"
)

var fastRetry = harvest.NewExponentialRetryPolicy(harvest.RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    2 * time.Millisecond,
})

const waitTimeout = 10 * time.Second

type fixedIDs struct {
	mu  sync.Mutex
	ids []string
}

func (g *fixedIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

func newCheckpoints(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.New(checkpoint.Config{Dir: filepath.Join(t.TempDir(), "checkpoints")}, nil, nil)
	require.NoError(t, err)
	return store
}

func siteSessions(t *testing.T, srv *sitetest.Server) SessionFactory {
	t.Helper()
	site, err := extract.NewSite(srv.URL, srv.Regions(), nil)
	require.NoError(t, err)
	factory := &session.Factory{
		Site: site,
		HTTP: collyfetcher.New(collyfetcher.Config{}, nil),
	}
	return func(filter harvest.FilterSpec) (Session, error) {
		s, err := factory.New(filter)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func newOrchestrator(t *testing.T, store Store, sessions SessionFactory, deps Dependencies, ids ...string) *Orchestrator {
	t.Helper()
	deps.Store = store
	deps.Sessions = sessions
	deps.Clock = system.New()
	deps.IDs = &fixedIDs{ids: ids}
	deps.Retry = fastRetry
	o, err := New(Config{ETAWindow: 5, Topic: "surfer-results"}, deps, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func noSessions(harvest.FilterSpec) (Session, error) {
	return nil, errors.New("no sessions in this test")
}

func waitJob(t *testing.T, o *Orchestrator, jobID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Wait(ctx, jobID))
}

func spanishAdur() sitetest.Athlete {
	a := sitetest.Adur()
	a.Country = "Spain"
	a.Region = "ESP"
	a.CountryID = "208"
	return a
}

func TestCreateJobEndToEnd(t *testing.T) {
	t.Parallel()

	srv := sitetest.New(t, 0, spanishAdur(), sitetest.Surfer("2201", "Leticia Canales", "5000"))
	store := newCheckpoints(t)
	emitter := &recordingEmitter{}
	pub := memorypublisher.New()
	o := newOrchestrator(t, store, siteSessions(t, srv), Dependencies{Progress: emitter, Publisher: pub}, "job-e2e")

	jobID, err := o.CreateJob(context.Background(), harvest.FilterSpec{
		Years:      []int{2025},
		Regions:    []string{"esp"},
		Surfers:    []string{"Adur Amatriain", "Nobody Known"},
		MaxWorkers: 2,
	})
	require.NoError(t, err)
	require.Equal(t, "job-e2e", jobID)
	waitJob(t, o, jobID)

	snap, err := o.GetSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Completed)
	require.Equal(t, 1, snap.Total)
	require.InDelta(t, 100.0, snap.Percent, 1e-9)
	require.Equal(t, []string{"Nobody Known"}, snap.Unmatched)

	records, err := o.Results(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Adur Amatriain", records[0].Name)
	require.Len(t, records[0].Events, 1)
	require.Len(t, records[0].Events[0].Heats, 1)
	heat := records[0].Events[0].Heats[0]
	require.Equal(t, []float64{6.40, 4.90, 3.50, 0.10}, heat.WaveScores)
	require.InDelta(t, 11.30, *heat.TotalScore, 1e-9)

	require.FileExists(t, filepath.Join(store.Dir(), "exports", jobID, "surfers.json"))
	require.FileExists(t, filepath.Join(store.Dir(), "exports", jobID, "heats.jsonl"))
	opts, err := store.LoadOptions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{2025}, opts.Years)

	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageTargetDone,
		progress.StageJobDone,
	}, emitter.stages())

	msgs := pub.ForTopic("surfer-results")
	require.Len(t, msgs, 1)
	payload, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, jobID, payload["job_id"])
	require.Equal(t, string(harvest.TargetDone), payload["status"])
}

func TestCreateJobRejectsInvalidFilter(t *testing.T) {
	t.Parallel()

	store := newCheckpoints(t)
	o := newOrchestrator(t, store, noSessions, Dependencies{}, "job-1")
	o.cfg.Regions = map[string]string{"ESP": "208"}

	_, err := o.CreateJob(context.Background(), harvest.FilterSpec{Regions: []string{"ESP"}, MaxWorkers: 1})
	require.ErrorIs(t, err, harvest.ErrInvalidFilter)
	_, err = o.CreateJob(context.Background(), harvest.FilterSpec{Years: []int{2025}, Regions: []string{"XXX"}, MaxWorkers: 1})
	require.ErrorIs(t, err, harvest.ErrInvalidFilter)

	states, err := store.ListJobStates(context.Background())
	require.NoError(t, err)
	require.Empty(t, states)
}

// cancellingStore cancels the job from inside the n-th target write, so the
// cancel lands while that target is still in flight.
type cancellingStore struct {
	*checkpoint.Store

	mu     sync.Mutex
	writes int
	after  int
	cancel func()
}

func (s *cancellingStore) PersistTarget(ctx context.Context, result harvest.TargetResult) error {
	s.mu.Lock()
	s.writes++
	hit := s.writes == s.after
	s.mu.Unlock()
	if hit {
		s.cancel()
	}
	return s.Store.PersistTarget(ctx, result)
}

func TestCancelAfterFiveOfTen(t *testing.T) {
	t.Parallel()

	athletes := make([]sitetest.Athlete, 10)
	for i := range athletes {
		athletes[i] = sitetest.Surfer(fmt.Sprintf("%d", 3000+i), fmt.Sprintf("Surfer %c", 'A'+i), fmt.Sprintf("%d", 6000+i))
	}
	srv := sitetest.New(t, 4, athletes...)
	store := &cancellingStore{Store: newCheckpoints(t), after: 5}
	o := newOrchestrator(t, store, siteSessions(t, srv), Dependencies{}, "job-cancel")
	store.cancel = func() {
		if err := o.CancelJob(context.Background(), "job-cancel"); err != nil {
			t.Errorf("cancel job: %v", err)
		}
	}

	jobID, err := o.CreateJob(context.Background(), harvest.FilterSpec{
		Years:      []int{2025},
		Regions:    []string{"ESP"},
		MaxWorkers: 1,
	})
	require.NoError(t, err)
	waitJob(t, o, jobID)

	snap, err := o.GetSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, snap.Status)
	require.Equal(t, 5, snap.Completed)
	require.Equal(t, 10, snap.Total)

	results, err := store.ListTargetResults(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, results, 5)
	records, err := o.Results(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, records, 5)

	state, err := store.LoadJobState(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, state.FinishedAt)
	pending := 0
	for _, st := range state.TargetStatus {
		if st == harvest.TargetPending {
			pending++
		}
	}
	require.Equal(t, 5, pending)

	require.ErrorIs(t, o.CancelJob(context.Background(), jobID), harvest.ErrJobFinished)
}

func TestResumeRefetchesOnlyPending(t *testing.T) {
	t.Parallel()

	a := sitetest.Surfer("3001", "Ane Arrieta", "7001")
	b := sitetest.Surfer("3002", "Bea Bengoetxea", "7002")
	srv := sitetest.New(t, 0, a, b)
	store := newCheckpoints(t)
	ctx := context.Background()

	targetA := harvest.Target{SurferID: a.ID, SurferName: a.Name, Country: a.Country, Year: 2025}
	targetB := harvest.Target{SurferID: b.ID, SurferName: b.Name, Country: b.Country, Year: 2025}
	started := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.PersistJobState(ctx, harvest.JobState{
		ID:        "job-resume",
		Status:    harvest.JobStatusInterrupted,
		Filter:    harvest.FilterSpec{Years: []int{2025}, Regions: []string{"ESP"}, MaxWorkers: 2},
		CreatedAt: started,
		StartedAt: &started,
		Resolved:  true,
		Targets:   []harvest.Target{targetA, targetB},
		TargetStatus: map[string]harvest.TargetStatus{
			targetA.Key(): harvest.TargetDone,
			targetB.Key(): harvest.TargetPending,
		},
	}))
	require.NoError(t, store.PersistTarget(ctx, harvest.TargetResult{
		JobID:  "job-resume",
		Target: targetA,
		Status: harvest.TargetDone,
		Record: &harvest.SurferRecord{ID: a.ID, Name: a.Name, Country: a.Country, Events: []harvest.EventRecord{}},
	}))
	pathA := filepath.Join(store.Dir(), "jobs", "job-resume", "targets", targetA.Key()+".json")
	before, err := os.ReadFile(pathA)
	require.NoError(t, err)

	o := newOrchestrator(t, store, siteSessions(t, srv), Dependencies{})
	require.NoError(t, o.ResumeJob(ctx, "job-resume"))
	waitJob(t, o, "job-resume")

	require.Zero(t, srv.EventHits(a.ID, "7001"))
	require.Equal(t, 1, srv.EventHits(b.ID, "7002"))
	after, err := os.ReadFile(pathA)
	require.NoError(t, err)
	require.Equal(t, before, after)

	snap, err := o.GetSnapshot(ctx, "job-resume")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 2, snap.Completed)
	require.Equal(t, started, *snap.StartedAt)

	require.ErrorIs(t, o.ResumeJob(ctx, "job-resume"), harvest.ErrJobFinished)
}

func TestResumeAdoptsPersistedButUnmarkedTarget(t *testing.T) {
	t.Parallel()

	a := sitetest.Surfer("3001", "Ane Arrieta", "7001")
	srv := sitetest.New(t, 0, a)
	store := newCheckpoints(t)
	ctx := context.Background()

	target := harvest.Target{SurferID: a.ID, SurferName: a.Name, Year: 2025}
	require.NoError(t, store.PersistJobState(ctx, harvest.JobState{
		ID:           "job-crash",
		Status:       harvest.JobStatusRunning,
		Filter:       harvest.FilterSpec{Years: []int{2025}, Regions: []string{"ESP"}, MaxWorkers: 1},
		Resolved:     true,
		Targets:      []harvest.Target{target},
		TargetStatus: map[string]harvest.TargetStatus{target.Key(): harvest.TargetInProgress},
	}))
	require.NoError(t, store.PersistTarget(ctx, harvest.TargetResult{
		JobID:  "job-crash",
		Target: target,
		Status: harvest.TargetDone,
		Record: &harvest.SurferRecord{ID: a.ID, Name: a.Name, Events: []harvest.EventRecord{}},
	}))

	o := newOrchestrator(t, store, siteSessions(t, srv), Dependencies{})
	ids, err := o.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"job-crash"}, ids)

	snap, err := o.GetSnapshot(ctx, "job-crash")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusInterrupted, snap.Status)

	require.NoError(t, o.ResumeJob(ctx, "job-crash"))
	waitJob(t, o, "job-crash")

	require.Zero(t, srv.TotalHits())
	snap, err = o.GetSnapshot(ctx, "job-crash")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Completed)
}

func TestRecoverLeavesFinishedJobs(t *testing.T) {
	t.Parallel()

	store := newCheckpoints(t)
	ctx := context.Background()
	now := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []harvest.JobStatus{
		harvest.JobStatusQueued,
		harvest.JobStatusRunning,
		harvest.JobStatusCompleted,
		harvest.JobStatusCancelled,
	} {
		require.NoError(t, store.PersistJobState(ctx, harvest.JobState{
			ID:        fmt.Sprintf("job-%d", i),
			Status:    status,
			CreatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	o := newOrchestrator(t, store, noSessions, Dependencies{})
	ids, err := o.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"job-0", "job-1"}, ids)

	jobs, err := o.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 4)
	require.Equal(t, harvest.JobStatusInterrupted, jobs[0].Status)
	require.Equal(t, harvest.JobStatusInterrupted, jobs[1].Status)
	require.Equal(t, harvest.JobStatusCompleted, jobs[2].Status)
}

// fakeSession resolves to fixed targets and harvests with fn.
type fakeSession struct {
	targets []harvest.Target
	fn      func(ctx context.Context, target harvest.Target) (session.Outcome, error)
}

func (s *fakeSession) Resolve(context.Context, string, harvest.FilterSpec) (resolver.Resolution, error) {
	return resolver.Resolution{Targets: s.targets}, nil
}

func (s *fakeSession) Harvest(ctx context.Context, _ string, target harvest.Target) (session.Outcome, error) {
	return s.fn(ctx, target)
}

func fakeSessions(s *fakeSession) SessionFactory {
	return func(harvest.FilterSpec) (Session, error) { return s, nil }
}

func threeTargets() []harvest.Target {
	return []harvest.Target{
		{SurferID: "1", SurferName: "One", Year: 2025},
		{SurferID: "2", SurferName: "Two", Year: 2025},
		{SurferID: "3", SurferName: "Three", Year: 2025},
	}
}

func simpleFilter(workers int) harvest.FilterSpec {
	return harvest.FilterSpec{Years: []int{2025}, Regions: []string{"ESP"}, MaxWorkers: workers}
}

func TestFailedTargetsStillCompleteJob(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		targets: threeTargets(),
		fn: func(_ context.Context, target harvest.Target) (session.Outcome, error) {
			switch target.SurferID {
			case "1":
				return session.Outcome{}, fmt.Errorf("fetch: %w", harvest.ErrTransientFetch)
			case "2":
				return session.Outcome{Status: harvest.TargetPartial, Record: harvest.SurferRecord{ID: "2"}}, nil
			}
			return session.Outcome{Status: harvest.TargetDone, Record: harvest.SurferRecord{ID: target.SurferID}}, nil
		},
	}
	o := newOrchestrator(t, newCheckpoints(t), fakeSessions(sess), Dependencies{}, "job-mixed")

	jobID, err := o.CreateJob(context.Background(), simpleFilter(3))
	require.NoError(t, err)
	waitJob(t, o, jobID)

	snap, err := o.GetSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Completed)
	require.Equal(t, 1, snap.Failed)
	require.Equal(t, 1, snap.Partial)
}

type failingStore struct {
	*checkpoint.Store
}

func (s *failingStore) PersistTarget(context.Context, harvest.TargetResult) error {
	return fmt.Errorf("%w: disk full", harvest.ErrPersistence)
}

func TestPersistenceFailureFailsJob(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		targets: threeTargets(),
		fn: func(context.Context, harvest.Target) (session.Outcome, error) {
			return session.Outcome{Status: harvest.TargetDone}, nil
		},
	}
	store := &failingStore{Store: newCheckpoints(t)}
	emitter := &recordingEmitter{}
	o := newOrchestrator(t, store, fakeSessions(sess), Dependencies{Progress: emitter}, "job-disk")

	jobID, err := o.CreateJob(context.Background(), simpleFilter(1))
	require.NoError(t, err)
	waitJob(t, o, jobID)

	state, err := store.LoadJobState(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusFailed, state.Status)
	require.Contains(t, state.Error, "disk full")
	require.Zero(t, state.Counters().Completed)
	require.Contains(t, emitter.stages(), progress.StageJobError)
}

func TestShutdownInterruptsRunningJobs(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 3)
	sess := &fakeSession{
		targets: threeTargets(),
		fn: func(ctx context.Context, _ harvest.Target) (session.Outcome, error) {
			entered <- struct{}{}
			<-ctx.Done()
			return session.Outcome{}, fmt.Errorf("limiter: %w", harvest.ErrCancelled)
		},
	}
	store := newCheckpoints(t)
	o := newOrchestrator(t, store, fakeSessions(sess), Dependencies{}, "job-shutdown", "job-late")

	jobID, err := o.CreateJob(context.Background(), simpleFilter(2))
	require.NoError(t, err)
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("no target started")
	}

	running, err := o.GetSnapshot(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusRunning, running.Status)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))

	state, err := store.LoadJobState(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusInterrupted, state.Status)
	require.Nil(t, state.FinishedAt)
	for _, st := range state.TargetStatus {
		require.Equal(t, harvest.TargetPending, st)
	}

	_, err = o.CreateJob(context.Background(), simpleFilter(1))
	require.ErrorIs(t, err, ErrClosed)
}

func TestControlErrors(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sess := &fakeSession{
		targets: threeTargets()[:1],
		fn: func(context.Context, harvest.Target) (session.Outcome, error) {
			<-release
			return session.Outcome{Status: harvest.TargetDone}, nil
		},
	}
	o := newOrchestrator(t, newCheckpoints(t), fakeSessions(sess), Dependencies{}, "job-busy")
	ctx := context.Background()

	require.ErrorIs(t, o.CancelJob(ctx, "missing"), harvest.ErrNotFound)
	require.ErrorIs(t, o.ResumeJob(ctx, "missing"), harvest.ErrNotFound)
	_, err := o.GetSnapshot(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	_, err = o.Results(ctx, "missing")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	jobID, err := o.CreateJob(ctx, simpleFilter(1))
	require.NoError(t, err)
	require.ErrorIs(t, o.ResumeJob(ctx, jobID), harvest.ErrJobActive)
	close(release)
	waitJob(t, o, jobID)
}

func TestCancelIdleInterruptedJob(t *testing.T) {
	t.Parallel()

	store := newCheckpoints(t)
	ctx := context.Background()
	require.NoError(t, store.PersistJobState(ctx, harvest.JobState{ID: "job-idle", Status: harvest.JobStatusInterrupted}))

	o := newOrchestrator(t, store, noSessions, Dependencies{})
	require.NoError(t, o.CancelJob(ctx, "job-idle"))

	snap, err := o.GetSnapshot(ctx, "job-idle")
	require.NoError(t, err)
	require.Equal(t, harvest.JobStatusCancelled, snap.Status)
}

func TestListJobsReadsIndex(t *testing.T) {
	t.Parallel()

	idx, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	sess := &fakeSession{
		targets: threeTargets(),
		fn: func(_ context.Context, target harvest.Target) (session.Outcome, error) {
			return session.Outcome{Status: harvest.TargetDone, Record: harvest.SurferRecord{ID: target.SurferID}}, nil
		},
	}
	o := newOrchestrator(t, newCheckpoints(t), fakeSessions(sess), Dependencies{Index: idx}, "job-indexed")

	jobID, err := o.CreateJob(context.Background(), simpleFilter(2))
	require.NoError(t, err)
	waitJob(t, o, jobID)

	jobs, err := o.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, jobID, jobs[0].ID)
	require.Equal(t, harvest.JobStatusCompleted, jobs[0].Status)
	require.Equal(t, 3, jobs[0].Counters.Completed)
	require.NotNil(t, jobs[0].FinishedAt)
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{}, nil)
	require.Error(t, err)
}
