package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

const keywordColumns = `id, domain_id, phrase, active, checking_status, check_job_id`

// KeywordStore reads keywords and maintains their checking state.
type KeywordStore struct {
	pool Pool
}

// NewKeywordStore wraps an existing pool.
func NewKeywordStore(pool Pool) (*KeywordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &KeywordStore{pool: pool}, nil
}

// GetKeyword loads a keyword by ID.
func (s *KeywordStore) GetKeyword(ctx context.Context, keywordID string) (rank.Keyword, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+keywordColumns+` FROM keywords WHERE id = $1`, keywordID)
	kw, err := scanKeyword(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rank.Keyword{}, fmt.Errorf("keyword %s: %w", keywordID, rank.ErrNotFound)
	}
	if err != nil {
		return rank.Keyword{}, fmt.Errorf("select keyword: %w", err)
	}
	return kw, nil
}

// ListActiveKeywords returns the domain's active keywords ordered by ID.
func (s *KeywordStore) ListActiveKeywords(ctx context.Context, domainID string) ([]rank.Keyword, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keywordColumns+` FROM keywords WHERE domain_id = $1 AND active ORDER BY id`, domainID)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer rows.Close()
	out := make([]rank.Keyword, 0)
	for rows.Next() {
		kw, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		out = append(out, kw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keywords: %w", err)
	}
	return out, nil
}

// MarkQueued attaches keywords to a job in one statement.
func (s *KeywordStore) MarkQueued(ctx context.Context, jobID string, keywordIDs []string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE keywords SET checking_status = 'queued', check_job_id = $1 WHERE id = ANY($2)`,
		jobID, keywordIDs)
	if err != nil {
		return fmt.Errorf("mark keywords queued: %w", err)
	}
	return nil
}

// SetCheckingStatus updates the keyword only while it belongs to jobID.
func (s *KeywordStore) SetCheckingStatus(
	ctx context.Context,
	keywordID, jobID string,
	status rank.CheckingStatus,
) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keywords SET checking_status = $3 WHERE id = $1 AND check_job_id = $2`,
		keywordID, jobID, string(status))
	if err != nil {
		return false, fmt.Errorf("set keyword checking status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearCheckingStatus releases every keyword referencing jobID.
func (s *KeywordStore) ClearCheckingStatus(ctx context.Context, jobID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE keywords SET checking_status = NULL, check_job_id = NULL WHERE check_job_id = $1`,
		jobID)
	if err != nil {
		return 0, fmt.Errorf("clear keyword checking status: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanKeyword(row pgx.Row) (rank.Keyword, error) {
	var (
		kw         rank.Keyword
		checking   *string
		checkJobID *string
	)
	if err := row.Scan(&kw.ID, &kw.DomainID, &kw.Phrase, &kw.Active, &checking, &checkJobID); err != nil {
		return rank.Keyword{}, err //nolint:wrapcheck // callers wrap
	}
	kw.CheckingStatus = rank.CheckingStatus(derefString(checking))
	kw.CheckJobID = derefString(checkJobID)
	return kw, nil
}

const domainColumns = `id, domain, location, language, search_engine, refresh_frequency, last_refreshed_at`

// DomainStore reads tracked domains.
type DomainStore struct {
	pool Pool
}

// NewDomainStore wraps an existing pool.
func NewDomainStore(pool Pool) (*DomainStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DomainStore{pool: pool}, nil
}

// GetDomain loads a domain by ID.
func (s *DomainStore) GetDomain(ctx context.Context, domainID string) (rank.Domain, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+domainColumns+` FROM domains WHERE id = $1`, domainID)
	d, err := scanDomain(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rank.Domain{}, fmt.Errorf("domain %s: %w", domainID, rank.ErrNotFound)
	}
	if err != nil {
		return rank.Domain{}, fmt.Errorf("select domain: %w", err)
	}
	return d, nil
}

// ListDomainsByFrequency returns domains on the given refresh cadence.
func (s *DomainStore) ListDomainsByFrequency(ctx context.Context, freq rank.RefreshFrequency) ([]rank.Domain, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE refresh_frequency = $1 ORDER BY id`, string(freq))
	if err != nil {
		return nil, fmt.Errorf("query domains: %w", err)
	}
	defer rows.Close()
	out := make([]rank.Domain, 0)
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}
	return out, nil
}

// TouchLastRefreshed stamps last_refreshed_at.
func (s *DomainStore) TouchLastRefreshed(ctx context.Context, domainID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE domains SET last_refreshed_at = $2 WHERE id = $1`, domainID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch domain: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("domain %s: %w", domainID, rank.ErrNotFound)
	}
	return nil
}

func scanDomain(row pgx.Row) (rank.Domain, error) {
	var (
		d    rank.Domain
		freq string
	)
	if err := row.Scan(
		&d.ID,
		&d.Domain,
		&d.Settings.Location,
		&d.Settings.Language,
		&d.Settings.SearchEngine,
		&freq,
		&d.LastRefreshedAt,
	); err != nil {
		return rank.Domain{}, err //nolint:wrapcheck // callers wrap
	}
	d.Settings.RefreshFrequency = rank.RefreshFrequency(freq)
	return d, nil
}
