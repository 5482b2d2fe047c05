package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/notify"
	pubmemory "github.com/JakeFAU/rank-tracker/internal/publisher/memory"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/storage/memory"
)

var base = time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func seedJob(t *testing.T, jobs *memory.JobStore, keywords *memory.KeywordStore, id string, created time.Time, keywordIDs ...string) {
	t.Helper()
	job, err := rank.NewJob(id, "dom-1", keywordIDs, created)
	require.NoError(t, err)
	require.NoError(t, jobs.CreateJob(context.Background(), job))
	require.NoError(t, keywords.MarkQueued(context.Background(), id, keywordIDs))
}

func start(t *testing.T, jobs *memory.JobStore, id string, at time.Time) {
	t.Helper()
	_, err := jobs.TransitionJob(context.Background(), id,
		[]rank.JobStatus{rank.JobStatusPending}, rank.JobStatusProcessing, at, "")
	require.NoError(t, err)
}

func TestSweepFailsStuckJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := memory.NewJobStore()
	keywords := memory.NewKeywordStore(
		rank.Keyword{ID: "k1", DomainID: "dom-1"},
		rank.Keyword{ID: "k2", DomainID: "dom-1"},
		rank.Keyword{ID: "k3", DomainID: "dom-1"},
		rank.Keyword{ID: "k4", DomainID: "dom-1"},
	)
	now := base.Add(30 * time.Minute)

	seedJob(t, jobs, keywords, "stale-pending", now.Add(-6*time.Minute), "k1")
	seedJob(t, jobs, keywords, "fresh-pending", now.Add(-4*time.Minute), "k2")
	seedJob(t, jobs, keywords, "stale-processing", now.Add(-20*time.Minute), "k3")
	start(t, jobs, "stale-processing", now.Add(-16*time.Minute))
	seedJob(t, jobs, keywords, "fresh-processing", now.Add(-20*time.Minute), "k4")
	start(t, jobs, "fresh-processing", now.Add(-10*time.Minute))

	pub := pubmemory.New()
	r := New(jobs, keywords, fixedClock{now: now}, notify.New(pub, "job-events", nil), Config{}, zap.NewNop())

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Pending: 1, Processing: 1}, res)

	for id, want := range map[string]string{
		"stale-pending":    rank.ErrTextPendingTimeout,
		"stale-processing": rank.ErrTextProcessingTimeout,
	} {
		job, err := jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.Equal(t, rank.JobStatusFailed, job.Status, id)
		require.Equal(t, want, job.Error, id)
		require.Equal(t, now, *job.CompletedAt, id)
	}
	for _, id := range []string{"fresh-pending", "fresh-processing"} {
		job, err := jobs.GetJob(ctx, id)
		require.NoError(t, err)
		require.False(t, job.Status.Terminal(), id)
	}

	for kid, wantJob := range map[string]string{"k1": "", "k2": "fresh-pending", "k3": "", "k4": "fresh-processing"} {
		kw, err := keywords.GetKeyword(ctx, kid)
		require.NoError(t, err)
		require.Equal(t, wantJob, kw.CheckJobID, kid)
	}
	require.Len(t, pub.Messages(), 2)

	// A second sweep finds nothing new.
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestSweepProcessingMeasuresFromStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := memory.NewJobStore()
	keywords := memory.NewKeywordStore(rank.Keyword{ID: "k1", DomainID: "dom-1"})
	now := base.Add(2 * time.Hour)
	seedJob(t, jobs, keywords, "job-1", now.Add(-time.Hour), "k1")
	start(t, jobs, "job-1", now.Add(-5*time.Minute))

	res, err := New(jobs, keywords, fixedClock{now: now}, nil, Config{}, nil).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestSweepReleasesByBackReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := memory.NewJobStore()
	keywords := memory.NewKeywordStore(
		rank.Keyword{ID: "k1", DomainID: "dom-1"},
		rank.Keyword{ID: "k2", DomainID: "dom-1"},
	)
	now := base.Add(time.Hour)
	seedJob(t, jobs, keywords, "old", now.Add(-10*time.Minute), "k1", "k2")
	// k2 was re-queued by a newer job; reaping "old" must leave it alone.
	seedJob(t, jobs, keywords, "new", now.Add(-time.Minute), "k2")

	_, err := New(jobs, keywords, fixedClock{now: now}, nil, Config{}, nil).Sweep(ctx)
	require.NoError(t, err)

	k1, err := keywords.GetKeyword(ctx, "k1")
	require.NoError(t, err)
	require.Empty(t, k1.CheckJobID)
	k2, err := keywords.GetKeyword(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, "new", k2.CheckJobID)
	require.Equal(t, rank.CheckingQueued, k2.CheckingStatus)
}

func TestSweepCustomThresholds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := memory.NewJobStore()
	keywords := memory.NewKeywordStore(rank.Keyword{ID: "k1", DomainID: "dom-1"})
	now := base.Add(time.Hour)
	seedJob(t, jobs, keywords, "job-1", now.Add(-90*time.Second), "k1")

	r := New(jobs, keywords, fixedClock{now: now}, nil, Config{PendingTimeout: time.Minute}, nil)
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pending)
}

// racingJobs finishes every listed job right after the reaper reads it.
type racingJobs struct {
	*memory.JobStore
	at time.Time
}

func (r racingJobs) ListJobsByStatus(ctx context.Context, statuses ...rank.JobStatus) ([]rank.Job, error) {
	jobs, err := r.JobStore.ListJobsByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Status == rank.JobStatusProcessing {
			if _, err := r.TransitionJob(ctx, j.ID, []rank.JobStatus{rank.JobStatusProcessing},
				rank.JobStatusCompleted, r.at, ""); err != nil {
				return nil, err
			}
		}
	}
	return jobs, nil
}

func TestSweepLosesRaceWithProcessor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewJobStore()
	keywords := memory.NewKeywordStore(rank.Keyword{ID: "k1", DomainID: "dom-1"})
	now := base.Add(time.Hour)
	seedJob(t, store, keywords, "job-1", now.Add(-30*time.Minute), "k1")
	start(t, store, "job-1", now.Add(-20*time.Minute))

	pub := pubmemory.New()
	r := New(racingJobs{JobStore: store, at: now}, keywords, fixedClock{now: now},
		notify.New(pub, "job-events", nil), Config{}, nil)
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Lost: 1}, res)

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCompleted, job.Status)
	require.Empty(t, job.Error)
	require.Empty(t, pub.Messages())
}
