package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/metrics"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// RefreshResult summarizes one refresh pass.
type RefreshResult struct {
	Domains        int
	FailedDomains  int
	SkippedDomains int
	Positions      int
	FailedKeywords int
}

// Refresher re-checks every active keyword of domains on a given cadence
// through the provider's bulk path. It does not create jobs.
type Refresher struct {
	domains   rank.DomainStore
	keywords  rank.KeywordStore
	positions rank.PositionStore
	provider  rank.RankProvider
	clock     rank.Clock
	logger    *zap.Logger
}

// NewRefresher constructs a Refresher.
func NewRefresher(
	domains rank.DomainStore,
	keywords rank.KeywordStore,
	positions rank.PositionStore,
	provider rank.RankProvider,
	clock rank.Clock,
	logger *zap.Logger,
) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		domains:   domains,
		keywords:  keywords,
		positions: positions,
		provider:  provider,
		clock:     clock,
		logger:    logger,
	}
}

// Refresh runs one pass over domains with the given frequency. Per-domain
// failures are logged and counted; only the domain listing itself can fail
// the pass.
func (r *Refresher) Refresh(ctx context.Context, freq rank.RefreshFrequency) (RefreshResult, error) {
	var res RefreshResult
	if freq == rank.RefreshManual {
		return res, errors.New("manual domains are never refreshed on a schedule")
	}
	domains, err := r.domains.ListDomainsByFrequency(ctx, freq)
	if err != nil {
		return res, fmt.Errorf("list %s domains: %w", freq, err)
	}
	for _, d := range domains {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("refresh interrupted: %w", err)
		}
		res.Domains++
		stored, failed, err := r.refreshDomain(ctx, d)
		res.Positions += stored
		res.FailedKeywords += failed
		switch {
		case errors.Is(err, errNoKeywords):
			res.SkippedDomains++
			metrics.ObserveRefreshDomain(string(freq), "skipped")
		case err != nil:
			res.FailedDomains++
			metrics.ObserveRefreshDomain(string(freq), "error")
			r.logger.Warn("domain refresh failed",
				zap.String("domain_id", d.ID),
				zap.String("frequency", string(freq)),
				zap.Error(err),
			)
		default:
			metrics.ObserveRefreshDomain(string(freq), "ok")
		}
	}
	r.logger.Info("refresh pass finished",
		zap.String("frequency", string(freq)),
		zap.Int("domains", res.Domains),
		zap.Int("failed_domains", res.FailedDomains),
		zap.Int("positions", res.Positions),
	)
	return res, nil
}

var errNoKeywords = errors.New("no active keywords")

func (r *Refresher) refreshDomain(ctx context.Context, d rank.Domain) (int, int, error) {
	keywords, err := r.keywords.ListActiveKeywords(ctx, d.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list keywords: %w", err)
	}
	if len(keywords) == 0 {
		return 0, 0, errNoKeywords
	}
	phrases := make([]string, len(keywords))
	for i, kw := range keywords {
		phrases[i] = kw.Phrase
	}
	items, err := r.provider.CheckRanksBulk(ctx, rank.BulkRequest{
		Keywords:     phrases,
		Domain:       d.Domain,
		SearchParams: d.Settings.SearchParams,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("bulk check: %w", err)
	}
	if len(items) != len(keywords) {
		return 0, 0, fmt.Errorf("bulk check returned %d results for %d keywords", len(items), len(keywords))
	}

	now := r.clock.Now()
	stored, failed := 0, 0
	for i, item := range items {
		kw := keywords[i]
		if item.Err != nil {
			failed++
			r.logger.Debug("keyword refresh failed", zap.String("keyword_id", kw.ID), zap.Error(item.Err))
			continue
		}
		fetched := item.Result.CheckedAt
		if fetched.IsZero() {
			fetched = now
		}
		pos := rank.Position{
			KeywordID: kw.ID,
			Date:      rank.Day(now),
			Position:  item.Result.Position,
			URL:       item.Result.URL,
			FetchedAt: fetched,
			Source:    rank.SourceRefresh,
		}
		if m := item.Result.Metrics; m != nil {
			pos.SearchVolume, pos.Difficulty, pos.CPC = m.SearchVolume, m.Difficulty, m.CPC
		}
		if err := r.positions.UpsertPosition(ctx, pos); err != nil {
			failed++
			r.logger.Warn("store refreshed position failed", zap.String("keyword_id", kw.ID), zap.Error(err))
			continue
		}
		stored++
	}
	if err := r.domains.TouchLastRefreshed(ctx, d.ID, now); err != nil {
		return stored, failed, fmt.Errorf("touch last refreshed: %w", err)
	}
	return stored, failed, nil
}
