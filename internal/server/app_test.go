package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	memorystorage "github.com/JakeFAU/rank-tracker/internal/storage/memory"
)

func TestBuildInMemoryRunsJobEndToEnd(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Progress.LogEvents = false

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(ctx)
	})

	ctx := context.Background()
	domains, ok := app.Stores().Domains.(*memorystorage.DomainStore)
	require.True(t, ok)
	require.NoError(t, domains.PutDomain(ctx, rank.Domain{
		ID:     "dom-1",
		Domain: "example.com",
		Settings: rank.DomainSettings{
			SearchParams:     rank.SearchParams{Location: "United States", Language: "en", SearchEngine: "google"},
			RefreshFrequency: rank.RefreshDaily,
		},
	}))
	keywords, ok := app.Stores().Keywords.(*memorystorage.KeywordStore)
	require.True(t, ok)
	for _, kw := range []rank.Keyword{
		{ID: "k1", DomainID: "dom-1", Phrase: "running shoes", Active: true},
		{ID: "k2", DomainID: "dom-1", Phrase: "trail shoes", Active: true},
	} {
		require.NoError(t, keywords.PutKeyword(ctx, kw))
	}

	body, err := json.Marshal(map[string]any{"keyword_ids": []string{"k1", "k2"}})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/domains/dom-1/jobs", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobID := created["job_id"]
	require.NotEmpty(t, jobID)

	app.Dispatcher().Wait()

	job, err := app.Dispatcher().GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.ProcessedKeywords)
	require.Equal(t, job.ProcessedKeywords, job.TotalKeywords)

	n, err := app.Stores().Positions.CountPositions(ctx, "k1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	res, err := app.Refresher().Refresh(ctx, rank.RefreshDaily)
	require.NoError(t, err)
	require.Equal(t, 1, res.Domains)

	sweep, err := app.Reaper().Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.Pending+sweep.Processing)
}
