// Package dispatcher is the job-facing service: it creates keyword check
// jobs, hands each one to a processor goroutine, and cancels them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/notify"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Deps are the collaborators a Dispatcher needs. Notifier is optional.
type Deps struct {
	Jobs     rank.JobStore
	Keywords rank.KeywordStore
	Runner   Runner
	IDs      rank.IDGenerator
	Clock    rank.Clock
	Notifier *notify.Notifier
}

// Dispatcher creates and cancels jobs.
type Dispatcher struct {
	deps   Deps
	logger *zap.Logger
	base   context.Context
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Processor goroutines run under base rather than
// the caller's request context; cancelling base stops them at the next
// keyword boundary and leaves their jobs to the reaper.
func New(base context.Context, deps Deps, logger *zap.Logger) (*Dispatcher, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Keywords == nil:
		return nil, errors.New("keyword store is required")
	case deps.Runner == nil:
		return nil, errors.New("runner is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if base == nil {
		base = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{deps: deps, logger: logger, base: base}, nil
}

// CreateJob persists a pending job for keywordIDs, queues the keywords, and
// starts its processor. Only the job ID is returned; callers poll GetJob.
func (d *Dispatcher) CreateJob(ctx context.Context, domainID string, keywordIDs []string) (string, error) {
	if domainID == "" {
		return "", errors.New("domain id is required")
	}
	id, err := d.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job, err := rank.NewJob(id, domainID, keywordIDs, d.deps.Clock.Now())
	if err != nil {
		return "", err
	}
	if err := d.deps.Jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := d.deps.Keywords.MarkQueued(ctx, id, job.KeywordIDs); err != nil {
		// The reaper fails the pending row if this job never starts.
		return "", fmt.Errorf("queue keywords: %w", err)
	}
	d.logger.Info("job created",
		zap.String("job_id", id),
		zap.String("domain_id", domainID),
		zap.Int("keywords", job.TotalKeywords),
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deps.Runner.Run(d.base, id); err != nil {
			d.logger.Error("processor exited with error", zap.String("job_id", id), zap.Error(err))
		}
	}()
	return id, nil
}

// CancelJob moves an active job to cancelled and releases its keywords
// immediately. A running processor notices at its next keyword boundary.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (rank.Job, error) {
	job, err := d.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return rank.Job{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return job, fmt.Errorf("cancel job %s (%s): %w", jobID, job.Status, rank.ErrJobTerminal)
	}
	cancelled, err := d.deps.Jobs.TransitionJob(ctx, jobID, rank.ActiveStatuses,
		rank.JobStatusCancelled, d.deps.Clock.Now(), "")
	if err != nil {
		if errors.Is(err, rank.ErrInvalidTransition) {
			// Finished between the read and the write.
			current, getErr := d.deps.Jobs.GetJob(ctx, jobID)
			if getErr != nil {
				return rank.Job{}, fmt.Errorf("reload job: %w", getErr)
			}
			return current, fmt.Errorf("cancel job %s (%s): %w", jobID, current.Status, rank.ErrJobTerminal)
		}
		return rank.Job{}, fmt.Errorf("cancel job: %w", err)
	}
	released, err := d.deps.Keywords.ClearCheckingStatus(ctx, jobID)
	if err != nil {
		d.logger.Error("release keywords failed", zap.String("job_id", jobID), zap.Error(err))
	}
	d.deps.Notifier.JobFinished(ctx, cancelled)
	d.logger.Info("job cancelled",
		zap.String("job_id", jobID),
		zap.Int("processed", cancelled.ProcessedKeywords),
		zap.Int("keywords_released", released),
	)
	return cancelled, nil
}

// GetJob returns the persisted job row.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (rank.Job, error) {
	job, err := d.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return rank.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveJobsForDomain lists the domain's pending and processing jobs.
func (d *Dispatcher) ActiveJobsForDomain(ctx context.Context, domainID string) ([]rank.Job, error) {
	jobs, err := d.deps.Jobs.ListActiveJobsForDomain(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("list active jobs for domain: %w", err)
	}
	return jobs, nil
}

// ActiveJobs lists every pending and processing job.
func (d *Dispatcher) ActiveJobs(ctx context.Context) ([]rank.Job, error) {
	jobs, err := d.deps.Jobs.ListJobsByStatus(ctx, rank.ActiveStatuses...)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return jobs, nil
}

// Wait blocks until every processor goroutine started so far has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
