// Package catalog maps free-text software names onto catalog entries.
package catalog

import (
	"strings"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

// MatchThreshold is the minimum Score accepted as a fuzzy match.
const MatchThreshold = 70

// Resolve returns the catalog entry named by query. An exact case-insensitive
// match wins; otherwise the best-scoring entry at or above MatchThreshold is
// returned, ties going to the earliest entry.
func Resolve(query string, entries []models.CatalogEntry) (models.CatalogEntry, bool) {
	q := strings.TrimSpace(query)
	if q == "" {
		return models.CatalogEntry{}, false
	}
	for _, e := range entries {
		if strings.EqualFold(strings.TrimSpace(e.Name), q) {
			return e, true
		}
	}

	bestIdx, bestScore := -1, -1
	for i, e := range entries {
		if s := Score(q, e.Name); s > bestScore {
			bestIdx, bestScore = i, s
		}
	}
	if bestIdx < 0 || bestScore < MatchThreshold {
		return models.CatalogEntry{}, false
	}
	return entries[bestIdx], true
}

// Names lists entry names in catalog order.
func Names(entries []models.CatalogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}
