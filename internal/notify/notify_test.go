package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rank-tracker/internal/publisher/memory"
	"github.com/JakeFAU/rank-tracker/internal/rank"
)

func TestJobFinishedPublishesTerminalJobs(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	n := New(pub, "job-events", nil)
	done := time.Unix(1700000000, 0).UTC()

	n.JobFinished(context.Background(), rank.Job{ID: "job-1", Status: rank.JobStatusProcessing})
	n.JobFinished(context.Background(), rank.Job{
		ID:                "job-1",
		DomainID:          "dom-1",
		Status:            rank.JobStatusCompleted,
		TotalKeywords:     3,
		ProcessedKeywords: 3,
		FailedKeywords:    1,
		CompletedAt:       &done,
	})

	msgs := pub.MessagesFor("job-events")
	require.Len(t, msgs, 1)
	payload, ok := msgs[0].Payload.(JobFinished)
	require.True(t, ok)
	require.Equal(t, "completed", payload.Status)
	require.Equal(t, 1, payload.Failed)
	require.Equal(t, "job.finished", payload.Attributes()["event"])
}

func TestJobFinishedSwallowsErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailNext(1)
	n := New(pub, "job-events", nil)
	n.JobFinished(context.Background(), rank.Job{ID: "job-1", Status: rank.JobStatusFailed})
	require.Empty(t, pub.Messages())
}

func TestNilNotifierIsNoop(t *testing.T) {
	t.Parallel()

	require.Nil(t, New(nil, "job-events", nil))
	require.Nil(t, New(memory.New(), "", nil))
	var n *Notifier
	n.JobFinished(context.Background(), rank.Job{Status: rank.JobStatusCancelled})
}
