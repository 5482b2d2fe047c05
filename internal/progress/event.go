// Package progress defines the event structures emitted by the job processor.
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
	StageJobStart     Stage = "JOB_START"
	StageKeywordStart Stage = "KEYWORD_START"
	StageKeywordDone  Stage = "KEYWORD_DONE"
	StageJobDone      Stage = "JOB_DONE"
)

// CheckMode tells which provider call pattern a keyword used.
type CheckMode string

// Keyword check modes.
const (
	ModeFirstCheck CheckMode = "first_check"
	ModeRoutine    CheckMode = "routine"
)

// Event captures a single step of job progress.
type Event struct {
	// JobID identifies the keyword check job.
	JobID string
	// DomainID is the job's owning domain.
	DomainID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or keyword milestone occurred.
	Stage Stage
	// KeywordID scopes keyword events.
	KeywordID string
	// Mode is set on keyword events.
	Mode CheckMode
	// Failed marks a keyword check that did not produce a position row.
	Failed bool
	// Status carries the terminal job status on JOB_DONE.
	Status string
	// Processed and Total mirror the job counters after the step.
	Processed int
	Total     int
	// Dur captures latency for keyword checks and whole jobs.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
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
	case StageKeywordStart, StageKeywordDone:
		if e.KeywordID == "" {
			return fmt.Errorf("%s requires keyword id", e.Stage)
		}
	case StageJobDone:
		if e.Status == "" {
			return errors.New("job done requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
