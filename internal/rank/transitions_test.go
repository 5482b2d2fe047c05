package rank

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

var allStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

func statusRank(s JobStatus) int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusProcessing:
		return 1
	default:
		return 2
	}
}

func TestNewJobRejectsEmptyKeywords(t *testing.T) {
	t.Parallel()

	_, err := NewJob("job-1", "dom-1", nil, time.Now())
	require.ErrorIs(t, err, ErrNoKeywords)

	job, err := NewJob("job-1", "dom-1", []string{"k1", "k2"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, JobStatusPending, job.Status)
	require.Equal(t, 2, job.TotalKeywords)
	require.Zero(t, job.ProcessedKeywords)
	require.Nil(t, job.StartedAt)
}

func TestApplyTransitionStampsOnce(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	job, err := NewJob("job-1", "dom-1", []string{"k1"}, t0)
	require.NoError(t, err)

	require.NoError(t, ApplyTransition(&job, []JobStatus{JobStatusPending}, JobStatusProcessing, t0.Add(time.Second), ""))
	require.Equal(t, t0.Add(time.Second), *job.StartedAt)

	job.CurrentKeywordID = "k1"
	require.NoError(t, ApplyTransition(&job, ActiveStatuses, JobStatusCompleted, t0.Add(time.Minute), ""))
	require.Equal(t, t0.Add(time.Minute), *job.CompletedAt)
	require.Empty(t, job.CurrentKeywordID)

	err = ApplyTransition(&job, ActiveStatuses, JobStatusFailed, t0.Add(time.Hour), "late")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, JobStatusCompleted, job.Status)
	require.Equal(t, t0.Add(time.Minute), *job.CompletedAt)
	require.Empty(t, job.Error)
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("status only moves forward and terminal states are final", prop.ForAll(
		func(steps []int) bool {
			job, err := NewJob("job-p", "dom-p", []string{"k"}, time.Unix(0, 0))
			if err != nil {
				return false
			}
			at := time.Unix(0, 0)
			for _, step := range steps {
				target := allStatuses[step%len(allStatuses)]
				before := job.Status
				at = at.Add(time.Second)
				err := ApplyTransition(&job, allStatuses, target, at, "")
				if err != nil {
					if job.Status != before {
						return false
					}
					continue
				}
				if before.Terminal() || statusRank(job.Status) <= statusRank(before) {
					return false
				}
			}
			if job.Status.Terminal() && job.CompletedAt == nil {
				return false
			}
			if job.Status != JobStatusPending && job.Status != JobStatusCancelled &&
				job.Status != JobStatusFailed && job.StartedAt == nil {
				return false
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}

func TestValidateProgressInvariant(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("accepted progress keeps 0 <= failed <= processed <= total", prop.ForAll(
		func(total, processed, failed int) bool {
			job := Job{TotalKeywords: total}
			err := ValidateProgress(job, Progress{Processed: processed, Failed: failed})
			holds := failed >= 0 && failed <= processed && processed <= total
			if holds {
				return err == nil
			}
			return errors.Is(err, ErrInvalidProgress)
		},
		gen.IntRange(0, 20),
		gen.IntRange(-2, 25),
		gen.IntRange(-2, 25),
	))

	properties.TestingRun(t)
}

func TestValidateProgressRejectsDecrease(t *testing.T) {
	t.Parallel()

	job := Job{TotalKeywords: 3, ProcessedKeywords: 2, FailedKeywords: 1}
	require.ErrorIs(t, ValidateProgress(job, Progress{Processed: 1, Failed: 1}), ErrInvalidProgress)
	require.ErrorIs(t, ValidateProgress(job, Progress{Processed: 2, Failed: 0}), ErrInvalidProgress)
	require.NoError(t, ValidateProgress(job, Progress{Processed: 3, Failed: 1}))
}

func TestDayTruncatesToUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("plus5", 5*3600)
	ts := time.Date(2025, 3, 2, 1, 30, 0, 0, loc)
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Day(ts))
}
