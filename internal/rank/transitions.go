package rank

import (
	"fmt"
	"slices"
	"time"
)

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to JobStatus) bool {
	return slices.Contains(allowedTransitions[from], to)
}

// ApplyTransition mutates job into status `to` if its current status is in
// `from` and the move is allowed. Timestamps are stamped exactly once.
func ApplyTransition(job *Job, from []JobStatus, to JobStatus, at time.Time, errText string) error {
	if !slices.Contains(from, job.Status) || !CanTransition(job.Status, to) {
		return &TransitionError{JobID: job.ID, Current: job.Status, Target: to}
	}
	at = at.UTC()
	job.Status = to
	if to == JobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &at
	}
	if to.Terminal() {
		if job.CompletedAt == nil {
			job.CompletedAt = &at
		}
		job.CurrentKeywordID = ""
		job.Error = errText
	}
	return nil
}

// ValidateProgress checks the counter invariant against the job's total.
func ValidateProgress(job Job, p Progress) error {
	if p.Failed < 0 || p.Processed < p.Failed || p.Processed > job.TotalKeywords {
		return fmt.Errorf("%w: processed=%d failed=%d total=%d",
			ErrInvalidProgress, p.Processed, p.Failed, job.TotalKeywords)
	}
	if p.Processed < job.ProcessedKeywords || p.Failed < job.FailedKeywords {
		return fmt.Errorf("%w: counters may not decrease", ErrInvalidProgress)
	}
	return nil
}

// NewJob builds a pending job for the given keywords.
func NewJob(id, domainID string, keywordIDs []string, createdAt time.Time) (Job, error) {
	if len(keywordIDs) == 0 {
		return Job{}, ErrNoKeywords
	}
	return Job{
		ID:            id,
		DomainID:      domainID,
		Status:        JobStatusPending,
		TotalKeywords: len(keywordIDs),
		KeywordIDs:    slices.Clone(keywordIDs),
		CreatedAt:     createdAt.UTC(),
	}, nil
}
