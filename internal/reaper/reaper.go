// Package reaper fails jobs that have sat in an active state too long.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/notify"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// Default thresholds.
const (
	DefaultPendingTimeout    = 5 * time.Minute
	DefaultProcessingTimeout = 15 * time.Minute
)

// Config holds the staleness thresholds.
type Config struct {
	PendingTimeout    time.Duration
	ProcessingTimeout time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Pending    int
	Processing int
	// Lost counts stale jobs that finished on their own before the reaper
	// could fail them.
	Lost int
}

// Reaper converts stuck jobs to failed and releases their keywords.
type Reaper struct {
	jobs     rank.JobStore
	keywords rank.KeywordStore
	clock    rank.Clock
	notifier *notify.Notifier
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Reaper. notifier may be nil.
func New(
	jobs rank.JobStore,
	keywords rank.KeywordStore,
	clock rank.Clock,
	notifier *notify.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Reaper {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = DefaultProcessingTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		jobs:     jobs,
		keywords: keywords,
		clock:    clock,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// Sweep runs the pending and processing passes once.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := r.clock.Now()

	pending, err := r.jobs.ListJobsByStatus(ctx, rank.JobStatusPending)
	if err != nil {
		return res, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		if now.Sub(job.CreatedAt) <= r.cfg.PendingTimeout {
			continue
		}
		reaped, err := r.reap(ctx, job, rank.JobStatusPending, rank.ErrTextPendingTimeout, now)
		if err != nil {
			return res, err
		}
		if reaped {
			res.Pending++
		} else {
			res.Lost++
		}
	}

	processing, err := r.jobs.ListJobsByStatus(ctx, rank.JobStatusProcessing)
	if err != nil {
		return res, fmt.Errorf("list processing jobs: %w", err)
	}
	for _, job := range processing {
		since := job.CreatedAt
		if job.StartedAt != nil {
			since = *job.StartedAt
		}
		if now.Sub(since) <= r.cfg.ProcessingTimeout {
			continue
		}
		reaped, err := r.reap(ctx, job, rank.JobStatusProcessing, rank.ErrTextProcessingTimeout, now)
		if err != nil {
			return res, err
		}
		if reaped {
			res.Processing++
		} else {
			res.Lost++
		}
	}

	if res.Pending+res.Processing > 0 {
		r.logger.Info("reaper sweep failed stuck jobs",
			zap.Int("pending", res.Pending),
			zap.Int("processing", res.Processing),
			zap.Int("lost", res.Lost),
		)
	}
	return res, nil
}

func (r *Reaper) reap(ctx context.Context, job rank.Job, from rank.JobStatus, errText string, now time.Time) (bool, error) {
	failed, err := r.jobs.TransitionJob(ctx, job.ID, []rank.JobStatus{from}, rank.JobStatusFailed, now, errText)
	if err != nil {
		if errors.Is(err, rank.ErrInvalidTransition) {
			r.logger.Debug("stale job moved on before reaping", zap.String("job_id", job.ID), zap.Error(err))
			return false, nil
		}
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	released, err := r.keywords.ClearCheckingStatus(ctx, job.ID)
	if err != nil {
		r.logger.Error("release keywords failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.ObserveReapedJob(string(from))
	r.notifier.JobFinished(ctx, failed)
	r.logger.Warn("reaped stuck job",
		zap.String("job_id", job.ID),
		zap.String("domain_id", job.DomainID),
		zap.String("state", string(from)),
		zap.Int("keywords_released", released),
	)
	return true, nil
}
