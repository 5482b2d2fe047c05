package rank

import (
	"context"
	"io"
	"time"
)

// JobStore persists keyword check jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	// TransitionJob moves a job to status `to` only if its current status is
	// one of `from`. It stamps StartedAt on entering processing and
	// CompletedAt on entering a terminal state, and returns the updated job.
	// A status mismatch yields ErrInvalidTransition.
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, at time.Time, errText string) (Job, error)
	// UpdateProgress writes counters and the current keyword without touching status.
	UpdateProgress(ctx context.Context, jobID string, progress Progress) error
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]Job, error)
	ListActiveJobsForDomain(ctx context.Context, domainID string) ([]Job, error)
}

// KeywordStore reads keywords and manages their per-job checking state.
type KeywordStore interface {
	GetKeyword(ctx context.Context, keywordID string) (Keyword, error)
	ListActiveKeywords(ctx context.Context, domainID string) ([]Keyword, error)
	MarkQueued(ctx context.Context, jobID string, keywordIDs []string) error
	// SetCheckingStatus applies only while the keyword still belongs to jobID.
	SetCheckingStatus(ctx context.Context, keywordID, jobID string, status CheckingStatus) (bool, error)
	// ClearCheckingStatus releases every keyword whose back-reference is jobID.
	ClearCheckingStatus(ctx context.Context, jobID string) (int, error)
}

// DomainStore is the read-mostly view of tracked domains.
type DomainStore interface {
	GetDomain(ctx context.Context, domainID string) (Domain, error)
	ListDomainsByFrequency(ctx context.Context, freq RefreshFrequency) ([]Domain, error)
	TouchLastRefreshed(ctx context.Context, domainID string, at time.Time) error
}

// PositionStore persists rank observations keyed by keyword and UTC day.
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos Position) error
	CountPositions(ctx context.Context, keywordID string) (int, error)
	// ListPositions returns newest first; limit <= 0 means no limit.
	ListPositions(ctx context.Context, keywordID string, limit int) ([]Position, error)
}

// RankProvider is the external rank-checking service.
type RankProvider interface {
	CheckRank(ctx context.Context, req RankRequest) (RankResult, error)
	CheckHistory(ctx context.Context, req HistoryRequest) ([]HistoryResult, error)
	CheckRanksBulk(ctx context.Context, req BulkRequest) ([]BulkItem, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
