package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// PositionStore keeps one position per keyword per UTC day.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]map[int64]rank.Position
}

// NewPositionStore constructs a PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]map[int64]rank.Position)}
}

// UpsertPosition creates or overwrites the row for the keyword's day.
func (s *PositionStore) UpsertPosition(_ context.Context, pos rank.Position) error {
	if pos.KeywordID == "" {
		return fmt.Errorf("position keyword id is required")
	}
	pos.Date = rank.Day(pos.Date)
	s.mu.Lock()
	defer s.mu.Unlock()
	byDay, ok := s.positions[pos.KeywordID]
	if !ok {
		byDay = make(map[int64]rank.Position)
		s.positions[pos.KeywordID] = byDay
	}
	byDay[pos.Date.Unix()] = pos
	return nil
}

// CountPositions returns how many days have a row for the keyword.
func (s *PositionStore) CountPositions(_ context.Context, keywordID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions[keywordID]), nil
}

// ListPositions returns the keyword's rows newest first.
func (s *PositionStore) ListPositions(_ context.Context, keywordID string, limit int) ([]rank.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDay := s.positions[keywordID]
	out := make([]rank.Position, 0, len(byDay))
	for _, pos := range byDay {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
