// Package processor drives one keyword check job from pending to a terminal
// state, checking its keywords sequentially against the rank provider.
package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/notify"
	"github.com/JakeFAU/rank-tracker/internal/progress"
	"github.com/JakeFAU/rank-tracker/internal/provider"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// Config controls Processor behavior.
type Config struct {
	// BackfillMonths is how many months of history a first check requests.
	BackfillMonths int
	// GapFiller decides what to record for history dates without data.
	GapFiller provider.GapFiller
	// SnapshotPrefix is the blob path prefix for archived provider payloads.
	SnapshotPrefix string
}

// Deps are the collaborators a Processor needs. Blobs, Hasher, Notifier and
// Emitter are optional.
type Deps struct {
	Jobs      rank.JobStore
	Keywords  rank.KeywordStore
	Domains   rank.DomainStore
	Positions rank.PositionStore
	Provider  rank.RankProvider
	Blobs     rank.BlobStore
	Hasher    rank.Hasher
	Clock     rank.Clock
	Notifier  *notify.Notifier
	Emitter   progress.Emitter
}

// Processor executes keyword check jobs.
type Processor struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Processor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Keywords == nil:
		return nil, errors.New("keyword store is required")
	case deps.Domains == nil:
		return nil, errors.New("domain store is required")
	case deps.Positions == nil:
		return nil, errors.New("position store is required")
	case deps.Provider == nil:
		return nil, errors.New("rank provider is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if deps.Blobs != nil && deps.Hasher == nil {
		return nil, errors.New("hasher is required when snapshots are archived")
	}
	if cfg.BackfillMonths < 0 {
		cfg.BackfillMonths = 0
	}
	if cfg.GapFiller == nil {
		cfg.GapFiller = provider.NoGapFiller{}
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{deps: deps, cfg: cfg, logger: logger}, nil
}

// Run executes the job to completion. Per-keyword failures are absorbed into
// the job counters; the returned error only reports that the job could not
// be driven (store failures or ctx shutdown), in which case the job is left
// for the reaper.
func (p *Processor) Run(ctx context.Context, jobID string) error {
	metrics.IncActiveProcessors()
	defer metrics.DecActiveProcessors()

	logger := p.logger.With(zap.String("job_id", jobID))
	job, err := p.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != rank.JobStatusPending {
		logger.Info("job not pending, skipping", zap.String("status", string(job.Status)))
		return nil
	}
	logger = logger.With(zap.String("domain_id", job.DomainID))

	domain, err := p.deps.Domains.GetDomain(ctx, job.DomainID)
	if err != nil {
		errText := rank.ErrTextDomainNotFound
		if !errors.Is(err, rank.ErrNotFound) {
			errText = "load domain: " + err.Error()
		}
		logger.Warn("failing job before processing", zap.String("reason", errText), zap.Error(err))
		p.finish(ctx, logger, job, rank.JobStatusFailed, errText)
		return nil
	}

	started := p.deps.Clock.Now()
	job, err = p.deps.Jobs.TransitionJob(ctx, jobID,
		[]rank.JobStatus{rank.JobStatusPending}, rank.JobStatusProcessing, started, "")
	if err != nil {
		if errors.Is(err, rank.ErrInvalidTransition) {
			logger.Info("job left pending before start", zap.Error(err))
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}
	logger.Info("job started", zap.Int("keywords", job.TotalKeywords))
	p.emit(progress.Event{JobID: job.ID, DomainID: job.DomainID, Stage: progress.StageJobStart, Total: job.TotalKeywords})

	prog := rank.Progress{}
	for _, keywordID := range job.KeywordIDs {
		if err := ctx.Err(); err != nil {
			logger.Warn("processor shutting down mid-job", zap.Error(err))
			return fmt.Errorf("job interrupted: %w", err)
		}
		current, err := p.deps.Jobs.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		if current.Status != rank.JobStatusProcessing {
			logger.Info("job no longer processing, stopping", zap.String("status", string(current.Status)))
			return nil
		}
		p.checkKeyword(ctx, logger, job, domain, keywordID, &prog)
		if err := p.deps.Jobs.UpdateProgress(ctx, jobID, prog); err != nil {
			logger.Error("persist progress failed", zap.Error(err))
		}
	}

	if !p.finish(ctx, logger, job, rank.JobStatusCompleted, "") {
		return nil
	}
	if err := p.deps.Domains.TouchLastRefreshed(ctx, domain.ID, p.deps.Clock.Now()); err != nil {
		logger.Warn("touch domain last refreshed failed", zap.Error(err))
	}
	return nil
}

// finish moves the job to a terminal status and releases its keywords. It
// reports false when the job was already terminal (lost race) and was left
// untouched.
func (p *Processor) finish(ctx context.Context, logger *zap.Logger, job rank.Job, to rank.JobStatus, errText string) bool {
	done, err := p.deps.Jobs.TransitionJob(ctx, job.ID, rank.ActiveStatuses, to, p.deps.Clock.Now(), errText)
	if err != nil {
		logger.Warn("final transition rejected", zap.String("target", string(to)), zap.Error(err))
		return false
	}
	released, err := p.deps.Keywords.ClearCheckingStatus(ctx, job.ID)
	if err != nil {
		logger.Error("release keywords failed", zap.Error(err))
	}
	p.deps.Notifier.JobFinished(ctx, done)
	evt := progress.Event{
		JobID:     done.ID,
		DomainID:  done.DomainID,
		Stage:     progress.StageJobDone,
		Status:    string(done.Status),
		Processed: done.ProcessedKeywords,
		Total:     done.TotalKeywords,
		Note:      done.Error,
	}
	if done.StartedAt != nil && done.CompletedAt != nil {
		evt.Dur = done.CompletedAt.Sub(*done.StartedAt)
	}
	p.emit(evt)
	logger.Info("job finished",
		zap.String("status", string(done.Status)),
		zap.Int("processed", done.ProcessedKeywords),
		zap.Int("failed", done.FailedKeywords),
		zap.Int("keywords_released", released),
	)
	return true
}

func (p *Processor) checkKeyword(
	ctx context.Context,
	logger *zap.Logger,
	job rank.Job,
	domain rank.Domain,
	keywordID string,
	prog *rank.Progress,
) {
	logger = logger.With(zap.String("keyword_id", keywordID))
	start := time.Now()
	kw, err := p.deps.Keywords.GetKeyword(ctx, keywordID)
	if err != nil {
		logger.Warn("keyword unavailable", zap.Error(err))
		prog.Processed++
		prog.Failed++
		p.emitKeyword(job, keywordID, "", true, prog, start, err.Error())
		return
	}

	prog.CurrentKeywordID = keywordID
	if err := p.deps.Jobs.UpdateProgress(ctx, job.ID, *prog); err != nil {
		logger.Warn("record current keyword failed", zap.Error(err))
	}
	p.setKeywordStatus(ctx, logger, job.ID, keywordID, rank.CheckingChecking)
	p.emit(progress.Event{JobID: job.ID, DomainID: job.DomainID, Stage: progress.StageKeywordStart, KeywordID: keywordID})

	mode := progress.ModeRoutine
	prior, err := p.deps.Positions.CountPositions(ctx, keywordID)
	if err == nil && prior == 0 {
		mode = progress.ModeFirstCheck
	}
	if err == nil {
		err = p.checkCurrent(ctx, kw, domain, mode)
	}

	prog.Processed++
	if err != nil {
		prog.Failed++
		logger.Warn("keyword check failed", zap.String("mode", string(mode)), zap.Error(err))
		p.setKeywordStatus(ctx, logger, job.ID, keywordID, rank.CheckingFailed)
		p.emitKeyword(job, keywordID, mode, true, prog, start, err.Error())
		return
	}
	p.setKeywordStatus(ctx, logger, job.ID, keywordID, rank.CheckingCompleted)
	p.emitKeyword(job, keywordID, mode, false, prog, start, "")
}

// checkCurrent performs the live lookup and, in first-check mode, the
// separate historical batch.
func (p *Processor) checkCurrent(ctx context.Context, kw rank.Keyword, domain rank.Domain, mode progress.CheckMode) error {
	res, err := p.deps.Provider.CheckRank(ctx, rank.RankRequest{
		Keyword:      kw.Phrase,
		Domain:       domain.Domain,
		SearchParams: domain.Settings.SearchParams,
	})
	if err != nil {
		return fmt.Errorf("check rank: %w", err)
	}
	now := p.deps.Clock.Now()
	if res.CheckedAt.IsZero() {
		res.CheckedAt = now
	}
	pos := rank.Position{
		KeywordID: kw.ID,
		Date:      rank.Day(now),
		Position:  res.Position,
		URL:       res.URL,
		FetchedAt: res.CheckedAt,
		Source:    rank.SourceLive,
	}
	if res.Metrics != nil {
		pos.SearchVolume = res.Metrics.SearchVolume
		pos.Difficulty = res.Metrics.Difficulty
		pos.CPC = res.Metrics.CPC
	}
	pos.SnapshotURI = p.archive(ctx, domain.ID, kw.ID, now, res.Raw)
	if err := p.deps.Positions.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("store position: %w", err)
	}
	if mode == progress.ModeFirstCheck {
		p.backfill(ctx, kw, domain, now, res.Position)
	}
	return nil
}

// backfill stores historical rows for a keyword's first check. It is best
// effort: failures are logged and never fail the keyword.
func (p *Processor) backfill(ctx context.Context, kw rank.Keyword, domain rank.Domain, now time.Time, current *int) {
	dates := provider.BackfillDates(now, p.cfg.BackfillMonths)
	if len(dates) == 0 {
		return
	}
	logger := p.logger.With(zap.String("keyword_id", kw.ID))
	results, err := p.deps.Provider.CheckHistory(ctx, rank.HistoryRequest{
		Keyword:      kw.Phrase,
		Domain:       domain.Domain,
		SearchParams: domain.Settings.SearchParams,
		Dates:        dates,
	})
	if err != nil {
		metrics.ObserveBackfill("error")
		logger.Warn("historical backfill failed", zap.Error(err))
		return
	}
	stored, estimated := 0, 0
	for i, date := range dates {
		pos := rank.Position{KeywordID: kw.ID, Date: date, FetchedAt: now, Source: rank.SourceHistory}
		if i < len(results) && results[i].HasData {
			pos.Position = results[i].Position
			pos.URL = results[i].URL
		} else {
			filled, ok := p.cfg.GapFiller.Fill(kw.Phrase, date, current)
			if !ok {
				continue
			}
			pos.Position = filled
			pos.Estimated = true
			pos.Source = rank.SourceEstimate
			estimated++
		}
		if err := p.deps.Positions.UpsertPosition(ctx, pos); err != nil {
			logger.Warn("store historical position failed", zap.Time("date", date), zap.Error(err))
			continue
		}
		stored++
	}
	metrics.ObserveBackfill("ok")
	logger.Debug("historical backfill stored",
		zap.Int("dates", len(dates)),
		zap.Int("stored", stored),
		zap.Int("estimated", estimated),
	)
}

// archive writes the raw provider payload and returns its URI, or "" when
// archiving is disabled or fails.
func (p *Processor) archive(ctx context.Context, domainID, keywordID string, now time.Time, raw []byte) string {
	if p.deps.Blobs == nil || len(raw) == 0 {
		return ""
	}
	hash, err := p.deps.Hasher.Hash(raw)
	if err != nil {
		p.logger.Warn("hash snapshot failed", zap.String("keyword_id", keywordID), zap.Error(err))
		return ""
	}
	uri, err := p.deps.Blobs.PutObject(ctx, SnapshotPath(p.cfg.SnapshotPrefix, domainID, keywordID, now, hash),
		"application/json", bytes.NewReader(raw))
	if err != nil {
		p.logger.Warn("archive snapshot failed", zap.String("keyword_id", keywordID), zap.Error(err))
		return ""
	}
	return uri
}

// SnapshotPath builds <prefix>/<domain>/<keyword>/<date>-<hash>.json.
func SnapshotPath(prefix, domainID, keywordID string, at time.Time, hash string) string {
	name := fmt.Sprintf("%s-%s.json", rank.Day(at).Format(time.DateOnly), hash)
	return path.Join(strings.Trim(prefix, "/"), domainID, keywordID, name)
}

func (p *Processor) setKeywordStatus(
	ctx context.Context,
	logger *zap.Logger,
	jobID, keywordID string,
	status rank.CheckingStatus,
) {
	applied, err := p.deps.Keywords.SetCheckingStatus(ctx, keywordID, jobID, status)
	if err != nil {
		logger.Warn("set keyword status failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if !applied {
		logger.Debug("keyword no longer attached to job", zap.String("status", string(status)))
	}
}

func (p *Processor) emitKeyword(
	job rank.Job,
	keywordID string,
	mode progress.CheckMode,
	failed bool,
	prog *rank.Progress,
	start time.Time,
	note string,
) {
	p.emit(progress.Event{
		JobID:     job.ID,
		DomainID:  job.DomainID,
		Stage:     progress.StageKeywordDone,
		KeywordID: keywordID,
		Mode:      mode,
		Failed:    failed,
		Processed: prog.Processed,
		Total:     job.TotalKeywords,
		Dur:       time.Since(start),
		Note:      note,
	})
}

func (p *Processor) emit(evt progress.Event) {
	if p.deps.Emitter == nil {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = p.deps.Clock.Now()
	}
	p.deps.Emitter.Emit(evt)
}
