// Package rank defines the domain types and ports shared by the keyword
// position check engine: jobs, keywords, domains, positions, and the rank
// provider contract.
package rank

import (
	"time"
)

// JobStatus represents the lifecycle state of a keyword check job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveStatuses lists the non-terminal job states.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CheckingStatus is the per-keyword state while a job references it.
// The zero value means the keyword is not attached to any job.
type CheckingStatus string

// Keyword checking states.
const (
	CheckingNone      CheckingStatus = ""
	CheckingQueued    CheckingStatus = "queued"
	CheckingChecking  CheckingStatus = "checking"
	CheckingCompleted CheckingStatus = "completed"
	CheckingFailed    CheckingStatus = "failed"
)

// Job is one bounded unit of work checking a fixed set of keywords.
type Job struct {
	ID                string     `json:"id"`
	DomainID          string     `json:"domain_id"`
	Status            JobStatus  `json:"status"`
	TotalKeywords     int        `json:"total_keywords"`
	ProcessedKeywords int        `json:"processed_keywords"`
	FailedKeywords    int        `json:"failed_keywords"`
	KeywordIDs        []string   `json:"keyword_ids"`
	CurrentKeywordID  string     `json:"current_keyword_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
}

// Progress is the mutable counter snapshot written after each keyword.
type Progress struct {
	Processed        int
	Failed           int
	CurrentKeywordID string
}

// Keyword is the subset of keyword fields the engine reads and writes.
type Keyword struct {
	ID             string         `json:"id"`
	DomainID       string         `json:"domain_id"`
	Phrase         string         `json:"phrase"`
	Active         bool           `json:"active"`
	CheckingStatus CheckingStatus `json:"checking_status,omitempty"`
	CheckJobID     string         `json:"check_job_id,omitempty"`
}

// RefreshFrequency is the cadence a domain is bulk refreshed on.
type RefreshFrequency string

// Supported refresh cadences.
const (
	RefreshDaily  RefreshFrequency = "daily"
	RefreshWeekly RefreshFrequency = "weekly"
	RefreshManual RefreshFrequency = "manual"
)

// SearchParams selects the search engine locale for a provider call.
type SearchParams struct {
	Location     string `json:"location"`
	Language     string `json:"language"`
	SearchEngine string `json:"search_engine"`
}

// DomainSettings carries the per-domain tracking configuration.
type DomainSettings struct {
	SearchParams
	RefreshFrequency RefreshFrequency `json:"refresh_frequency"`
}

// Domain is the tracked site that owns keywords and jobs.
type Domain struct {
	ID              string         `json:"id"`
	Domain          string         `json:"domain"`
	Settings        DomainSettings `json:"settings"`
	LastRefreshedAt *time.Time     `json:"last_refreshed_at,omitempty"`
}

// PositionSource records which path produced a position row.
type PositionSource string

// Position sources.
const (
	SourceLive     PositionSource = "live"
	SourceHistory  PositionSource = "history"
	SourceEstimate PositionSource = "estimate"
	SourceRefresh  PositionSource = "refresh"
)

// Position is one rank observation, unique per keyword and UTC day.
type Position struct {
	KeywordID    string         `json:"keyword_id"`
	Date         time.Time      `json:"date"`
	Position     *int           `json:"position"`
	URL          string         `json:"url,omitempty"`
	SearchVolume *int           `json:"search_volume,omitempty"`
	Difficulty   *float64       `json:"difficulty,omitempty"`
	CPC          *float64       `json:"cpc,omitempty"`
	FetchedAt    time.Time      `json:"fetched_at"`
	Estimated    bool           `json:"estimated"`
	Source       PositionSource `json:"source"`
	SnapshotURI  string         `json:"snapshot_uri,omitempty"`
}

// Day truncates t to the start of its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// KeywordMetrics is the best-effort secondary data for a keyword.
type KeywordMetrics struct {
	SearchVolume *int     `json:"search_volume,omitempty"`
	Difficulty   *float64 `json:"difficulty,omitempty"`
	CPC          *float64 `json:"cpc,omitempty"`
}

// RankRequest is a single-keyword current position lookup.
type RankRequest struct {
	Keyword string
	Domain  string
	SearchParams
}

// RankResult is the outcome of a current position lookup. Position is nil
// when the domain does not appear in the organic results.
type RankResult struct {
	Keyword   string
	Position  *int
	URL       string
	Metrics   *KeywordMetrics
	CheckedAt time.Time
	Raw       []byte
}

// HistoryRequest asks for one keyword's rank at each of Dates.
type HistoryRequest struct {
	Keyword string
	Domain  string
	SearchParams
	Dates []time.Time
}

// HistoryResult is one date slot of a historical lookup. HasData is false
// when the provider returned nothing for the date.
type HistoryResult struct {
	Date     time.Time
	HasData  bool
	Position *int
	URL      string
}

// BulkRequest asks for the current position of many keywords of one domain.
type BulkRequest struct {
	Keywords []string
	Domain   string
	SearchParams
}

// BulkItem is one order-preserved slot of a bulk lookup.
type BulkItem struct {
	Keyword string
	Result  RankResult
	Err     error
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// Float64Ptr returns a pointer to v.
func Float64Ptr(v float64) *float64 {
	return &v
}
