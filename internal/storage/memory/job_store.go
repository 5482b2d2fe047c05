// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// JobStore keeps keyword check jobs in a map guarded by a mutex. Every
// method is atomic, which is the single-row guarantee the engine relies on.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]rank.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]rank.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job rank.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, rank.ErrAlreadyExists)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (rank.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return rank.Job{}, fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	return cloneJob(job), nil
}

// TransitionJob performs a status compare-and-set.
func (s *JobStore) TransitionJob(
	_ context.Context,
	jobID string,
	from []rank.JobStatus,
	to rank.JobStatus,
	at time.Time,
	errText string,
) (rank.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return rank.Job{}, fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	if err := rank.ApplyTransition(&job, from, to, at, errText); err != nil {
		return cloneJob(job), err
	}
	s.jobs[jobID] = job
	return cloneJob(job), nil
}

// UpdateProgress writes counters and the current keyword.
func (s *JobStore) UpdateProgress(_ context.Context, jobID string, progress rank.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	if err := rank.ValidateProgress(job, progress); err != nil {
		return fmt.Errorf("job %s: %w", jobID, err)
	}
	job.ProcessedKeywords = progress.Processed
	job.FailedKeywords = progress.Failed
	if !job.Status.Terminal() {
		job.CurrentKeywordID = progress.CurrentKeywordID
	}
	s.jobs[jobID] = job
	return nil
}

// ListJobsByStatus returns jobs in any of the given states, oldest first.
func (s *JobStore) ListJobsByStatus(_ context.Context, statuses ...rank.JobStatus) ([]rank.Job, error) {
	return s.filter(func(j rank.Job) bool {
		return slices.Contains(statuses, j.Status)
	}), nil
}

// ListActiveJobsForDomain returns the domain's pending and processing jobs.
func (s *JobStore) ListActiveJobsForDomain(_ context.Context, domainID string) ([]rank.Job, error) {
	return s.filter(func(j rank.Job) bool {
		return j.DomainID == domainID && !j.Status.Terminal()
	}), nil
}

func (s *JobStore) filter(keep func(rank.Job) bool) []rank.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rank.Job, 0)
	for _, job := range s.jobs {
		if keep(job) {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneJob(job rank.Job) rank.Job {
	job.KeywordIDs = slices.Clone(job.KeywordIDs)
	job.StartedAt = pointerTime(job.StartedAt)
	job.CompletedAt = pointerTime(job.CompletedAt)
	return job
}

func pointerTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
