package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/surf-results-harvester/internal/progress"
)

const (
	namespace = "harvester"
	subsystem = "progress"
)

// PrometheusSink exports job and target progress as Prometheus collectors.
type PrometheusSink struct {
	jobsStarted    prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	targetsDone    *prometheus.CounterVec
	targetAttempts prometheus.Histogram

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors with reg, or the default
// registerer when reg is nil. Registering twice on one registry fails.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}
	hist := func(name, help string, buckets []float64) prometheus.HistogramOpts {
		return prometheus.HistogramOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}
	}

	s := &PrometheusSink{
		jobsStarted:    prometheus.NewCounter(prometheus.CounterOpts(opts("jobs_started_total", "Job runs started, including resumes."))),
		jobsFinished:   prometheus.NewCounterVec(prometheus.CounterOpts(opts("jobs_finished_total", "Job runs finished by final status.")), []string{"status"}),
		jobsRunning:    prometheus.NewGauge(prometheus.GaugeOpts(opts("jobs_running", "Job runs in progress."))),
		jobRuntime:     prometheus.NewHistogramVec(hist("job_runtime_seconds", "Wall time per finished job run.", []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400}), []string{"status"}),
		targetsDone:    prometheus.NewCounterVec(prometheus.CounterOpts(opts("targets_finished_total", "Targets finished by status.")), []string{"status"}),
		targetAttempts: prometheus.NewHistogram(hist("target_attempts", "Attempts spent per finished target.", []float64{1, 2, 3, 4, 5, 8})),
		running:        make(map[string]struct{}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{s.jobsStarted, s.jobsFinished, s.jobsRunning, s.jobRuntime, s.targetsDone, s.targetAttempts} {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("register progress collectors: %w", err)
	}
	return s, nil
}

func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.Inc()
			s.markRunning(evt.JobID)
		case progress.StageTargetDone:
			s.targetsDone.WithLabelValues(evt.Status).Inc()
			if evt.Attempts > 0 {
				s.targetAttempts.Observe(float64(evt.Attempts))
			}
		case progress.StageJobDone, progress.StageJobError:
			s.jobsFinished.WithLabelValues(evt.Status).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(evt.Status).Observe(evt.Dur.Seconds())
			}
			s.markStopped(evt.JobID)
		}
	}
	return nil
}

// markRunning and markStopped keep the gauge equal to the number of distinct
// jobs between a start and a terminal event, so duplicate events are harmless.
func (s *PrometheusSink) markRunning(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; ok {
		return
	}
	s.running[jobID] = struct{}{}
	s.jobsRunning.Set(float64(len(s.running)))
}

func (s *PrometheusSink) markStopped(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[jobID]; !ok {
		return
	}
	delete(s.running, jobID)
	s.jobsRunning.Set(float64(len(s.running)))
}

func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
