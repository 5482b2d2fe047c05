package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

const positionColumns = `keyword_id, date, position, url, search_volume, difficulty, cpc,
	fetched_at, estimated, source, snapshot_uri`

// PositionStore persists keyword_positions rows keyed by (keyword_id, date).
type PositionStore struct {
	pool Pool
}

// NewPositionStore wraps an existing pool.
func NewPositionStore(pool Pool) (*PositionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PositionStore{pool: pool}, nil
}

// UpsertPosition inserts the day's row or overwrites it.
func (s *PositionStore) UpsertPosition(ctx context.Context, pos rank.Position) error {
	if pos.KeywordID == "" {
		return fmt.Errorf("position keyword id is required")
	}
	const query = `
INSERT INTO keyword_positions (` + positionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (keyword_id, date) DO UPDATE SET
	position = EXCLUDED.position,
	url = EXCLUDED.url,
	search_volume = COALESCE(EXCLUDED.search_volume, keyword_positions.search_volume),
	difficulty = COALESCE(EXCLUDED.difficulty, keyword_positions.difficulty),
	cpc = COALESCE(EXCLUDED.cpc, keyword_positions.cpc),
	fetched_at = EXCLUDED.fetched_at,
	estimated = EXCLUDED.estimated,
	source = EXCLUDED.source,
	snapshot_uri = COALESCE(EXCLUDED.snapshot_uri, keyword_positions.snapshot_uri)`
	_, err := s.pool.Exec(ctx, query,
		pos.KeywordID,
		rank.Day(pos.Date),
		pos.Position,
		nullString(pos.URL),
		pos.SearchVolume,
		pos.Difficulty,
		pos.CPC,
		pos.FetchedAt.UTC(),
		pos.Estimated,
		string(pos.Source),
		nullString(pos.SnapshotURI),
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// CountPositions returns how many days have a row for the keyword.
func (s *PositionStore) CountPositions(ctx context.Context, keywordID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM keyword_positions WHERE keyword_id = $1`, keywordID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

// ListPositions returns the keyword's rows newest first.
func (s *PositionStore) ListPositions(ctx context.Context, keywordID string, limit int) ([]rank.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM keyword_positions WHERE keyword_id = $1 ORDER BY date DESC`
	args := []any{keywordID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	out := make([]rank.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (rank.Position, error) {
	var (
		pos      rank.Position
		url      *string
		source   string
		snapshot *string
	)
	if err := row.Scan(
		&pos.KeywordID,
		&pos.Date,
		&pos.Position,
		&url,
		&pos.SearchVolume,
		&pos.Difficulty,
		&pos.CPC,
		&pos.FetchedAt,
		&pos.Estimated,
		&source,
		&snapshot,
	); err != nil {
		return rank.Position{}, err //nolint:wrapcheck // callers wrap
	}
	pos.URL = derefString(url)
	pos.Source = rank.PositionSource(source)
	pos.SnapshotURI = derefString(snapshot)
	return pos, nil
}
