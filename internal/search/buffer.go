package search

import (
	"sort"
	"sync"

	"github.com/sells-group/resolve-cli/internal/model"
)

const bufferCap = 10

// Buffer is the professional-network side buffer: profile hits found while
// searching for something else, kept for a later enrichment pass instead of
// polluting primary verification. Deduplicated by URL keeping the higher
// score, capped to the top entries per record.
type Buffer struct {
	mu      sync.Mutex
	byOwner map[string][]model.SearchResult
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{byOwner: map[string][]model.SearchResult{}}
}

// Add merges hit into the owner's buffered candidates.
func (b *Buffer) Add(owner string, hit model.SearchResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.byOwner[owner]
	for i, existing := range entries {
		if existing.URL == hit.URL {
			if hit.Score > existing.Score {
				entries[i] = hit
			}
			return
		}
	}
	entries = append(entries, hit)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})
	if len(entries) > bufferCap {
		entries = entries[:bufferCap]
	}
	b.byOwner[owner] = entries
}

// Drain removes and returns the owner's buffered hits, best first.
func (b *Buffer) Drain(owner string) []model.SearchResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.byOwner[owner]
	delete(b.byOwner, owner)
	return entries
}

// Len reports how many hits are buffered for the owner.
func (b *Buffer) Len(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byOwner[owner])
}
