package provider

import (
	"strings"
)

// ItemTypeOrganic is the SERP item type that counts as a ranking.
const ItemTypeOrganic = "organic"

// SERPItem is the subset of a provider result item used for matching.
type SERPItem struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	RankAbsolute int    `json:"rank_absolute"`
}

// NormalizeDomain lowercases a tracked domain and strips scheme, "www." and
// any path so it can be matched as a substring of result URLs.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}

// MatchDomain returns the rank and URL of the first organic item whose URL
// contains domain. It returns nil when the domain does not rank.
func MatchDomain(items []SERPItem, domain string) (*int, string) {
	needle := NormalizeDomain(domain)
	if needle == "" {
		return nil, ""
	}
	for _, item := range items {
		if item.Type != ItemTypeOrganic {
			continue
		}
		if strings.Contains(strings.ToLower(item.URL), needle) {
			pos := item.RankAbsolute
			return &pos, item.URL
		}
	}
	return nil, ""
}
