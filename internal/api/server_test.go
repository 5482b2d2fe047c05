package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/config"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/storage/memory"
)

type fakeJobs struct {
	mu      sync.Mutex
	jobs    map[string]rank.Job
	created []createCall
	err     error
}

type createCall struct {
	domainID   string
	keywordIDs []string
}

func newFakeJobs(jobs ...rank.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]rank.Job{}}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) CreateJob(_ context.Context, domainID string, keywordIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(keywordIDs) == 0 {
		return "", rank.ErrNoKeywords
	}
	f.created = append(f.created, createCall{domainID: domainID, keywordIDs: keywordIDs})
	id := fmt.Sprintf("job-%d", len(f.created))
	f.jobs[id] = rank.Job{ID: id, DomainID: domainID, Status: rank.JobStatusPending, TotalKeywords: len(keywordIDs)}
	return id, nil
}

func (f *fakeJobs) CancelJob(_ context.Context, jobID string) (rank.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return rank.Job{}, fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	if job.Status.Terminal() {
		return job, rank.ErrJobTerminal
	}
	job.Status = rank.JobStatusCancelled
	f.jobs[jobID] = job
	return job, nil
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (rank.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return rank.Job{}, f.err
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return rank.Job{}, fmt.Errorf("job %s: %w", jobID, rank.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) ActiveJobsForDomain(_ context.Context, domainID string) ([]rank.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rank.Job
	for _, j := range f.jobs {
		if j.DomainID == domainID && !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) ActiveJobs(_ context.Context) ([]rank.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rank.Job
	for _, j := range f.jobs {
		if !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func newTestServer(jobs JobService, opts Options) (*Server, *memory.PositionStore) {
	keywords := memory.NewKeywordStore(
		rank.Keyword{ID: "k1", DomainID: "dom-1", Phrase: "running shoes", Active: true},
		rank.Keyword{ID: "k2", DomainID: "dom-1", Phrase: "trail shoes", Active: true},
		rank.Keyword{ID: "k9", DomainID: "dom-2", Phrase: "hiking boots", Active: true},
	)
	positions := memory.NewPositionStore()
	return NewServer(jobs, keywords, positions, opts, zap.NewNop()), positions
}

func do(t *testing.T, s *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	s, _ := newTestServer(jobs, Options{})

	rec := do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{"k1", "k2"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "/v1/jobs/job-1", rec.Header().Get("Location"))
	require.Equal(t, "job-1", decode[map[string]string](t, rec)["job_id"])
	require.Equal(t, []createCall{{domainID: "dom-1", keywordIDs: []string{"k1", "k2"}}}, jobs.created)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateJobErrors(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(newFakeJobs(), Options{})

	rec := do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), rank.ErrNoKeywords.Error())

	tooMany := make([]string, maxKeywordsPerJob+1)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("k%d", i)
	}
	rec = do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": tooMany})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	failing := newFakeJobs()
	failing.err = errors.New("db down")
	s, _ = newTestServer(failing, Options{})
	rec = do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{"k1"}})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestCreateJobChecksKeywords(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	s, _ := newTestServer(jobs, Options{})

	rec := do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{"k9", "k9"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "another domain")

	rec = do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{"k1", "k404"}})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Empty(t, jobs.created)

	rec = do(t, s, http.MethodPost, "/v1/domains/dom-1/jobs", map[string]any{"keyword_ids": []string{"k2", "k1", "k2", "k1"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []createCall{{domainID: "dom-1", keywordIDs: []string{"k2", "k1"}}}, jobs.created)
	require.Equal(t, 2, jobs.jobs["job-1"].TotalKeywords)
}

func TestGetAndCancelJob(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(
		rank.Job{ID: "running", DomainID: "dom-1", Status: rank.JobStatusProcessing},
		rank.Job{ID: "done", DomainID: "dom-1", Status: rank.JobStatusCompleted},
	)
	s, _ := newTestServer(jobs, Options{})

	rec := do(t, s, http.MethodGet, "/v1/jobs/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]rank.Job](t, rec)["job"]
	require.Equal(t, rank.JobStatusProcessing, got.Status)

	rec = do(t, s, http.MethodGet, "/v1/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/jobs/running/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, rank.JobStatusCancelled, decode[map[string]rank.Job](t, rec)["job"].Status)

	rec = do(t, s, http.MethodPost, "/v1/jobs/done/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/jobs/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActiveJobs(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs(
		rank.Job{ID: "a", DomainID: "dom-1", Status: rank.JobStatusPending},
		rank.Job{ID: "b", DomainID: "dom-2", Status: rank.JobStatusProcessing},
		rank.Job{ID: "c", DomainID: "dom-1", Status: rank.JobStatusFailed},
	)
	s, _ := newTestServer(jobs, Options{})

	rec := do(t, s, http.MethodGet, "/v1/domains/dom-1/jobs/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[map[string][]rank.Job](t, rec)["jobs"], 1)

	rec = do(t, s, http.MethodGet, "/v1/jobs/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[map[string][]rank.Job](t, rec)["jobs"], 2)

	rec = do(t, s, http.MethodGet, "/v1/domains/dom-9/jobs/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":[]}`, rec.Body.String())
}

func TestListPositions(t *testing.T) {
	t.Parallel()

	s, positions := newTestServer(newFakeJobs(), Options{})
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		require.NoError(t, positions.UpsertPosition(context.Background(), rank.Position{
			KeywordID: "k1",
			Date:      day.AddDate(0, 0, i),
			Position:  rank.IntPtr(10 - i),
			FetchedAt: day,
			Source:    rank.SourceLive,
		}))
	}

	rec := do(t, s, http.MethodGet, "/v1/keywords/k1/positions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[map[string][]rank.Position](t, rec)["positions"]
	require.Len(t, rows, 2)
	require.Equal(t, 6, *rows[0].Position)

	rec = do(t, s, http.MethodGet, "/v1/keywords/k1/positions?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/keywords/none/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(newFakeJobs(), Options{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/jobs/active", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/jobs/active", nil, "X-API-Key", "secret").Code)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/jobs/active", nil, "X-API-Key", "secre").Code)
	require.Equal(t, http.StatusForbidden, do(t, s, http.MethodGet, "/v1/jobs/active?api_key=secret", nil).Code)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", nil).Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := true
	s, _ := newTestServer(newFakeJobs(), Options{Checks: map[string]ReadinessCheck{
		"postgres": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		},
	}})

	require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/readyz", nil).Code)
	healthy = false
	rec := do(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(newFakeJobs(), Options{})
	rec := do(t, s, http.MethodGet, "/healthz", nil, "X-Request-ID", "req-42")
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(newFakeJobs(), Options{})
	rec := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
