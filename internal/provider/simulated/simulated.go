// Package simulated provides an offline rank provider that synthesizes
// plausible results when no provider credentials are configured.
package simulated

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/provider"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// Client fabricates deterministic results per keyword and day.
type Client struct {
	clock rank.Clock
	// NullPercent is the share of lookups that report no ranking.
	NullPercent int
	// HistoryGapPercent is the share of historical dates without data.
	HistoryGapPercent int
}

// New builds a simulated client.
func New(clock rank.Clock) *Client {
	return &Client{clock: clock, NullPercent: 15, HistoryGapPercent: 30}
}

func (c *Client) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

// CheckRank implements rank.RankProvider.
func (c *Client) CheckRank(ctx context.Context, req rank.RankRequest) (rank.RankResult, error) {
	if err := ctx.Err(); err != nil {
		return rank.RankResult{}, fmt.Errorf("simulated lookup: %w", err)
	}
	now := c.now()
	pos := c.position(req.Keyword, rank.Day(now), c.NullPercent)
	res := rank.RankResult{Keyword: req.Keyword, Position: pos, CheckedAt: now}
	if pos != nil {
		res.URL = fmt.Sprintf("https://%s/", provider.NormalizeDomain(req.Domain))
	}
	raw, err := json.Marshal(map[string]any{
		"simulated": true,
		"keyword":   req.Keyword,
		"position":  pos,
		"url":       res.URL,
	})
	if err != nil {
		return rank.RankResult{}, fmt.Errorf("encode simulated payload: %w", err)
	}
	res.Raw = raw
	return res, nil
}

// CheckHistory implements rank.RankProvider.
func (c *Client) CheckHistory(ctx context.Context, req rank.HistoryRequest) ([]rank.HistoryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("simulated history: %w", err)
	}
	out := make([]rank.HistoryResult, len(req.Dates))
	for i, d := range req.Dates {
		day := rank.Day(d)
		out[i] = rank.HistoryResult{Date: day}
		if roll(req.Keyword+"#gap", day)%100 < uint64(c.HistoryGapPercent) {
			continue
		}
		out[i].HasData = true
		out[i].Position = c.position(req.Keyword, day, c.NullPercent)
		if out[i].Position != nil {
			out[i].URL = fmt.Sprintf("https://%s/", provider.NormalizeDomain(req.Domain))
		}
	}
	return out, nil
}

// CheckRanksBulk implements rank.RankProvider.
func (c *Client) CheckRanksBulk(ctx context.Context, req rank.BulkRequest) ([]rank.BulkItem, error) {
	out := make([]rank.BulkItem, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		res, err := c.CheckRank(ctx, rank.RankRequest{Keyword: kw, Domain: req.Domain, SearchParams: req.SearchParams})
		if err != nil {
			return nil, err
		}
		out = append(out, rank.BulkItem{Keyword: kw, Result: res})
	}
	return out, nil
}

// KeywordMetrics implements provider.MetricsSource.
func (c *Client) KeywordMetrics(ctx context.Context, keyword string, _ rank.SearchParams) (rank.KeywordMetrics, error) {
	if err := ctx.Err(); err != nil {
		return rank.KeywordMetrics{}, fmt.Errorf("simulated metrics: %w", err)
	}
	r := roll(keyword+"#metrics", time.Time{})
	volume := int(10 + r%50000)
	difficulty := float64(r % 101)
	cpc := float64(r%1000) / 100
	return rank.KeywordMetrics{
		SearchVolume: &volume,
		Difficulty:   &difficulty,
		CPC:          &cpc,
	}, nil
}

func (c *Client) position(keyword string, day time.Time, nullPercent int) *int {
	r := roll(keyword, day)
	if r%100 < uint64(max(nullPercent, 0)) {
		return nil
	}
	pos := int((r/100)%100) + 1
	return &pos
}

func roll(keyword string, day time.Time) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(keyword))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(day.Unix()))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
