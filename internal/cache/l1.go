package cache

import (
	"sync"
	"time"
)

type l1Entry struct {
	value   []byte
	expires time.Time
	size    int
}

// l1Store is the process-local tier: a map plus an insertion-order list so
// eviction can walk oldest-first without timestamps.
type l1Store struct {
	mu         sync.Mutex
	entries    map[string]*l1Entry
	order      []string // insertion order; may contain stale keys
	bytes      int
	maxEntries int
	maxBytes   int
}

func newL1(maxEntries, maxBytes int) *l1Store {
	return &l1Store{
		entries:    make(map[string]*l1Entry),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

func (s *l1Store) get(key string, now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expires) {
		s.bytes -= e.size
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

func (s *l1Store) set(key string, value []byte, now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.bytes -= old.size
	} else {
		s.order = append(s.order, key)
	}

	size := len(key) + len(value)
	s.entries[key] = &l1Entry{value: value, expires: now.Add(ttl), size: size}
	s.bytes += size

	if len(s.entries) > s.maxEntries {
		s.evictOldest(len(s.entries) - s.maxEntries)
	}
	if s.bytes > s.maxBytes {
		// Over the memory budget: shed the oldest ~20% in one pass.
		n := len(s.entries) / 5
		if n < 1 {
			n = 1
		}
		s.evictOldest(n)
	}
}

// evictOldest removes up to n live entries in insertion order.
// Caller holds the lock.
func (s *l1Store) evictOldest(n int) {
	removed := 0
	i := 0
	for ; i < len(s.order) && removed < n; i++ {
		key := s.order[i]
		if e, ok := s.entries[key]; ok {
			s.bytes -= e.size
			delete(s.entries, key)
			removed++
		}
	}
	s.order = s.order[i:]
}

func (s *l1Store) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
