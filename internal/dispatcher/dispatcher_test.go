package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rank-tracker/internal/notify"
	"github.com/JakeFAU/rank-tracker/internal/processor"
	pubmemory "github.com/JakeFAU/rank-tracker/internal/publisher/memory"
	"github.com/JakeFAU/rank-tracker/internal/rank"
	"github.com/JakeFAU/rank-tracker/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 17, 10, 30, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "job-" + string(rune('0'+s.n)), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

// gatedProvider blocks each live lookup until the test releases it.
type gatedProvider struct {
	mu      sync.Mutex
	calls   []string
	entered chan string
	release chan struct{}
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{entered: make(chan string, 8), release: make(chan struct{}, 8)}
}

func (g *gatedProvider) CheckRank(ctx context.Context, req rank.RankRequest) (rank.RankResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Keyword)
	g.mu.Unlock()
	g.entered <- req.Keyword
	select {
	case <-g.release:
	case <-ctx.Done():
		return rank.RankResult{}, ctx.Err()
	}
	return rank.RankResult{Keyword: req.Keyword, Position: rank.IntPtr(3), CheckedAt: testNow}, nil
}

func (g *gatedProvider) CheckHistory(_ context.Context, req rank.HistoryRequest) ([]rank.HistoryResult, error) {
	return make([]rank.HistoryResult, len(req.Dates)), nil
}

func (g *gatedProvider) CheckRanksBulk(context.Context, rank.BulkRequest) ([]rank.BulkItem, error) {
	return nil, errors.New("not used")
}

func (g *gatedProvider) liveCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type fixture struct {
	jobs      *memory.JobStore
	keywords  *memory.KeywordStore
	positions *memory.PositionStore
	provider  *gatedProvider
	pub       *pubmemory.Publisher
	proc      *processor.Processor
	disp      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs: memory.NewJobStore(),
		keywords: memory.NewKeywordStore(
			rank.Keyword{ID: "k1", DomainID: "dom-1", Phrase: "running shoes", Active: true},
			rank.Keyword{ID: "k2", DomainID: "dom-1", Phrase: "trail shoes", Active: true},
			rank.Keyword{ID: "k3", DomainID: "dom-1", Phrase: "shoe repair", Active: true},
		),
		positions: memory.NewPositionStore(),
		provider:  newGatedProvider(),
		pub:       pubmemory.New(),
	}
	notifier := notify.New(f.pub, "job-events", zap.NewNop())
	proc, err := processor.New(processor.Deps{
		Jobs:      f.jobs,
		Keywords:  f.keywords,
		Domains:   memory.NewDomainStore(rank.Domain{ID: "dom-1", Domain: "example.com"}),
		Positions: f.positions,
		Provider:  f.provider,
		Clock:     fixedClock{},
		Notifier:  notifier,
	}, processor.Config{BackfillMonths: 6}, zap.NewNop())
	require.NoError(t, err)
	f.proc = proc
	f.disp, err = New(context.Background(), Deps{
		Jobs:     f.jobs,
		Keywords: f.keywords,
		Runner:   proc,
		IDs:      &seqIDs{},
		Clock:    fixedClock{},
		Notifier: notifier,
	}, zap.NewNop())
	require.NoError(t, err)
	return f
}

// heldRunner parks each job before its processor starts.
type heldRunner struct {
	started chan string
	gate    chan struct{}
	next    Runner
}

func (h *heldRunner) Run(ctx context.Context, jobID string) error {
	h.started <- jobID
	<-h.gate
	return h.next.Run(ctx, jobID)
}

func (f *fixture) awaitEntered(t *testing.T) string {
	t.Helper()
	select {
	case kw := <-f.provider.entered:
		return kw
	case <-time.After(2 * time.Second):
		t.Fatal("provider was not called")
		return ""
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Deps{}, nil)
	require.Error(t, err)
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for range 3 {
		f.provider.release <- struct{}{}
	}

	id, err := f.disp.CreateJob(context.Background(), "dom-1", []string{"k1", "k2", "k3"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)
	f.disp.Wait()

	job, err := f.disp.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.ProcessedKeywords)
	require.Equal(t, []string{"running shoes", "trail shoes", "shoe repair"}, f.provider.liveCalls())

	active, err := f.disp.ActiveJobs(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.disp.CreateJob(context.Background(), "dom-1", nil)
	require.ErrorIs(t, err, rank.ErrNoKeywords)
	_, err = f.disp.CreateJob(context.Background(), "", []string{"k1"})
	require.Error(t, err)

	f.disp.deps.IDs = failingIDs{}
	_, err = f.disp.CreateJob(context.Background(), "dom-1", []string{"k1"})
	require.ErrorContains(t, err, "generate job id")
}

func TestCreateJobQueuesKeywordsBeforeReturning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	id, err := f.disp.CreateJob(context.Background(), "dom-1", []string{"k1", "k2"})
	require.NoError(t, err)
	require.Equal(t, "running shoes", f.awaitEntered(t))

	kw, err := f.keywords.GetKeyword(context.Background(), "k2")
	require.NoError(t, err)
	require.Equal(t, rank.CheckingQueued, kw.CheckingStatus)
	require.Equal(t, id, kw.CheckJobID)

	active, err := f.disp.ActiveJobsForDomain(context.Background(), "dom-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, rank.JobStatusProcessing, active[0].Status)

	f.provider.release <- struct{}{}
	f.provider.release <- struct{}{}
	f.disp.Wait()
}

func TestCancelDuringFirstKeyword(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	id, err := f.disp.CreateJob(ctx, "dom-1", []string{"k1", "k2", "k3"})
	require.NoError(t, err)
	require.Equal(t, "running shoes", f.awaitEntered(t))

	kw, err := f.keywords.GetKeyword(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rank.CheckingChecking, kw.CheckingStatus)

	cancelled, err := f.disp.CancelJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	for _, kid := range []string{"k1", "k2", "k3"} {
		kw, err := f.keywords.GetKeyword(ctx, kid)
		require.NoError(t, err)
		require.Equal(t, rank.CheckingNone, kw.CheckingStatus)
	}

	// The in-flight lookup finishes and is recorded, then the loop stops.
	f.provider.release <- struct{}{}
	f.disp.Wait()

	job, err := f.disp.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCancelled, job.Status)
	require.Equal(t, []string{"running shoes"}, f.provider.liveCalls())
	n, err := f.positions.CountPositions(ctx, "k1")
	require.NoError(t, err)
	require.Positive(t, n)
	for _, kid := range []string{"k2", "k3"} {
		n, err := f.positions.CountPositions(ctx, kid)
		require.NoError(t, err)
		require.Zero(t, n)
	}
	kw, err = f.keywords.GetKeyword(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, rank.CheckingNone, kw.CheckingStatus)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "cancelled", msgs[0].Payload.(notify.JobFinished).Status)
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	held := &heldRunner{started: make(chan string, 1), gate: make(chan struct{}), next: f.proc}
	f.disp.deps.Runner = held
	ctx := context.Background()

	id, err := f.disp.CreateJob(ctx, "dom-1", []string{"k1", "k2", "k3"})
	require.NoError(t, err)
	select {
	case got := <-held.started:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not started")
	}

	pending, err := f.disp.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusPending, pending.Status)

	cancelled, err := f.disp.CancelJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
	require.Equal(t, testNow, *cancelled.CompletedAt)
	require.Nil(t, cancelled.StartedAt)
	for _, kid := range []string{"k1", "k2", "k3"} {
		kw, err := f.keywords.GetKeyword(ctx, kid)
		require.NoError(t, err)
		require.Equal(t, rank.CheckingNone, kw.CheckingStatus)
		require.Empty(t, kw.CheckJobID)
	}

	close(held.gate)
	f.disp.Wait()

	job, err := f.disp.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusCancelled, job.Status)
	require.Zero(t, job.ProcessedKeywords)
	require.Empty(t, f.provider.liveCalls())
	for _, kid := range []string{"k1", "k2", "k3"} {
		n, err := f.positions.CountPositions(ctx, kid)
		require.NoError(t, err)
		require.Zero(t, n)
	}
	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "cancelled", msgs[0].Payload.(notify.JobFinished).Status)
}

func TestCancelTerminalJobIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.release <- struct{}{}
	id, err := f.disp.CreateJob(context.Background(), "dom-1", []string{"k1"})
	require.NoError(t, err)
	f.disp.Wait()

	job, err := f.disp.CancelJob(context.Background(), id)
	require.ErrorIs(t, err, rank.ErrJobTerminal)
	require.Equal(t, rank.JobStatusCompleted, job.Status)

	after, err := f.disp.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, job.CompletedAt, after.CompletedAt)
	require.Len(t, f.pub.Messages(), 1)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.disp.CancelJob(context.Background(), "missing")
	require.ErrorIs(t, err, rank.ErrNotFound)
}

func TestShutdownLeavesJobForReaper(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	base, cancel := context.WithCancel(context.Background())
	f.disp.base = base

	id, err := f.disp.CreateJob(context.Background(), "dom-1", []string{"k1", "k2"})
	require.NoError(t, err)
	f.awaitEntered(t)
	cancel()
	f.disp.Wait()

	job, err := f.disp.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, rank.JobStatusProcessing, job.Status)
	require.Equal(t, 1, job.FailedKeywords)
}
