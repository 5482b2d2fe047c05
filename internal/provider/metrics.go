package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// MetricsSource looks up search volume, difficulty and cpc for a phrase.
type MetricsSource interface {
	KeywordMetrics(ctx context.Context, keyword string, params rank.SearchParams) (rank.KeywordMetrics, error)
}

// WithMetrics decorates a provider so single lookups also carry keyword
// metrics. A metrics failure is logged and never fails the lookup.
func WithMetrics(base rank.RankProvider, src MetricsSource, logger *zap.Logger) rank.RankProvider {
	if src == nil {
		return base
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &metricsProvider{RankProvider: base, src: src, logger: logger}
}

type metricsProvider struct {
	rank.RankProvider
	src    MetricsSource
	logger *zap.Logger
}

func (p *metricsProvider) CheckRank(ctx context.Context, req rank.RankRequest) (rank.RankResult, error) {
	res, err := p.RankProvider.CheckRank(ctx, req)
	if err != nil {
		return res, err //nolint:wrapcheck // decorator is transparent
	}
	if res.Metrics != nil {
		return res, nil
	}
	m, err := p.src.KeywordMetrics(ctx, req.Keyword, req.SearchParams)
	if err != nil {
		p.logger.Warn("keyword metrics lookup failed",
			zap.String("keyword", req.Keyword),
			zap.Error(err),
		)
		return res, nil
	}
	res.Metrics = &m
	return res, nil
}
