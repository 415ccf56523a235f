package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart   Stage = "JOB_START"
	StageTargetDone Stage = "TARGET_DONE"
	StageJobDone    Stage = "JOB_DONE"
	StageJobError   Stage = "JOB_ERROR"
)

// Terminal reports whether the stage ends a job run.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError
}

// Event captures a single milestone of a harvest job.
type Event struct {
	// JobID identifies the job run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Target is the target key for TARGET_DONE events.
	Target string
	// Status is the target status for TARGET_DONE and the job status for
	// JOB_DONE and JOB_ERROR.
	Status string
	// Attempts counts tries spent on the target.
	Attempts int
	// Dur is the target duration or the job wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StageTargetDone:
		if e.Target == "" {
			return errors.New("target done requires target")
		}
		if e.Status == "" {
			return errors.New("target done requires status")
		}
	case StageJobDone, StageJobError:
		if e.Status == "" {
			return errors.New("job completion requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
