package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rank-tracker/internal/rank"
)

// KeywordStore keeps keywords in memory.
type KeywordStore struct {
	mu       sync.RWMutex
	keywords map[string]rank.Keyword
}

// NewKeywordStore constructs a KeywordStore seeded with keywords.
func NewKeywordStore(keywords ...rank.Keyword) *KeywordStore {
	s := &KeywordStore{keywords: make(map[string]rank.Keyword, len(keywords))}
	for _, kw := range keywords {
		s.keywords[kw.ID] = kw
	}
	return s
}

// PutKeyword inserts or replaces a keyword.
func (s *KeywordStore) PutKeyword(_ context.Context, kw rank.Keyword) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keywords[kw.ID] = kw
	return nil
}

// DeleteKeyword removes a keyword.
func (s *KeywordStore) DeleteKeyword(_ context.Context, keywordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keywords, keywordID)
	return nil
}

// GetKeyword fetches a keyword by ID.
func (s *KeywordStore) GetKeyword(_ context.Context, keywordID string) (rank.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kw, ok := s.keywords[keywordID]
	if !ok {
		return rank.Keyword{}, fmt.Errorf("keyword %s: %w", keywordID, rank.ErrNotFound)
	}
	return kw, nil
}

// ListActiveKeywords returns active keywords for a domain ordered by ID.
func (s *KeywordStore) ListActiveKeywords(_ context.Context, domainID string) ([]rank.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rank.Keyword, 0)
	for _, kw := range s.keywords {
		if kw.DomainID == domainID && kw.Active {
			out = append(out, kw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkQueued attaches keywords to a job. Unknown IDs are skipped; the
// processor reports them as failed.
func (s *KeywordStore) MarkQueued(_ context.Context, jobID string, keywordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range keywordIDs {
		kw, ok := s.keywords[id]
		if !ok {
			continue
		}
		kw.CheckingStatus = rank.CheckingQueued
		kw.CheckJobID = jobID
		s.keywords[id] = kw
	}
	return nil
}

// SetCheckingStatus updates the keyword only while it belongs to jobID.
func (s *KeywordStore) SetCheckingStatus(
	_ context.Context,
	keywordID, jobID string,
	status rank.CheckingStatus,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kw, ok := s.keywords[keywordID]
	if !ok {
		return false, fmt.Errorf("keyword %s: %w", keywordID, rank.ErrNotFound)
	}
	if kw.CheckJobID != jobID {
		return false, nil
	}
	kw.CheckingStatus = status
	s.keywords[keywordID] = kw
	return true, nil
}

// ClearCheckingStatus releases all keywords referencing jobID.
func (s *KeywordStore) ClearCheckingStatus(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := 0
	for id, kw := range s.keywords {
		if kw.CheckJobID != jobID {
			continue
		}
		kw.CheckingStatus = rank.CheckingNone
		kw.CheckJobID = ""
		s.keywords[id] = kw
		cleared++
	}
	return cleared, nil
}

// DomainStore keeps domains in memory.
type DomainStore struct {
	mu      sync.RWMutex
	domains map[string]rank.Domain
}

// NewDomainStore constructs a DomainStore seeded with domains.
func NewDomainStore(domains ...rank.Domain) *DomainStore {
	s := &DomainStore{domains: make(map[string]rank.Domain, len(domains))}
	for _, d := range domains {
		s.domains[d.ID] = d
	}
	return s
}

// PutDomain inserts or replaces a domain.
func (s *DomainStore) PutDomain(_ context.Context, d rank.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[d.ID] = d
	return nil
}

// GetDomain fetches a domain by ID.
func (s *DomainStore) GetDomain(_ context.Context, domainID string) (rank.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[domainID]
	if !ok {
		return rank.Domain{}, fmt.Errorf("domain %s: %w", domainID, rank.ErrNotFound)
	}
	d.LastRefreshedAt = pointerTime(d.LastRefreshedAt)
	return d, nil
}

// ListDomainsByFrequency returns domains on the given cadence ordered by ID.
func (s *DomainStore) ListDomainsByFrequency(_ context.Context, freq rank.RefreshFrequency) ([]rank.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rank.Domain, 0)
	for _, d := range s.domains {
		if d.Settings.RefreshFrequency == freq {
			d.LastRefreshedAt = pointerTime(d.LastRefreshedAt)
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TouchLastRefreshed stamps the domain's last refresh time.
func (s *DomainStore) TouchLastRefreshed(_ context.Context, domainID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[domainID]
	if !ok {
		return fmt.Errorf("domain %s: %w", domainID, rank.ErrNotFound)
	}
	ts := at.UTC()
	d.LastRefreshedAt = &ts
	s.domains[domainID] = d
	return nil
}
