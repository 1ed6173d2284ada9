// Package ledger records every external-call outcome in a bounded ring
// buffer and computes the rolling health and cost statistics that drive
// throttling, routing and the financial circuit breaker.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/model"
)

// Entry is one immutable external-call fact.
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"ts"`
	Module     string         `json:"module"`
	Provider   string         `json:"provider"`
	Tier       int            `json:"tier"`
	TaskType   model.TaskType `json:"task_type"`
	CostEUR    float64        `json:"cost_eur"`
	DurationMs int64          `json:"duration_ms"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	CacheLevel string         `json:"cache_level,omitempty"` // "L1", "L2" or empty
}

// Snapshot summarizes ledger activity over a rolling window.
type Snapshot struct {
	Window             time.Duration `json:"window"`
	TotalCalls         int           `json:"total_calls"`
	ErrorRate          float64       `json:"error_rate"`
	AvgDurationMs      float64       `json:"avg_duration_ms"`
	P95DurationMs      int64         `json:"p95_duration_ms"`
	TotalCostEUR       float64       `json:"total_cost_eur"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	UnhealthyProviders []string      `json:"unhealthy_providers,omitempty"`
	Backpressure       bool          `json:"backpressure"`
}

// ProviderStats summarizes a single provider over the retained window.
type ProviderStats struct {
	Calls         int     `json:"calls"`
	ErrorRate     float64 `json:"error_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

const (
	// unhealthyErrorRate marks a provider unhealthy when exceeded over at
	// least unhealthyMinSamples calls in the window.
	unhealthyErrorRate  = 0.5
	unhealthyMinSamples = 5

	// Backpressure is recommended above this global error rate or p95.
	backpressureErrorRate = 0.15
	backpressureP95Ms     = 15000
)

// Option configures the Ledger.
type Option func(*Ledger)

// WithRingSize overrides the retained entry count.
func WithRingSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.ring = make([]Entry, n)
		}
	}
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Ledger) { l.nowFunc = now }
}

// WithWriter attaches a durable writer. Entries are forwarded to it
// best-effort; a saturated or failing writer never blocks Record.
func WithWriter(w *Writer) Option {
	return func(l *Ledger) { l.writer = w }
}

// Ledger is the append-only call log. All methods are safe for concurrent
// use; Record never blocks on I/O.
type Ledger struct {
	mu      sync.Mutex
	ring    []Entry
	next    int // next write position
	filled  bool
	nowFunc func() time.Time
	writer  *Writer
	dropped int
}

// New creates a Ledger with the default ring size of 5000 entries.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		ring:    make([]Entry, 5000),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an entry. Fire-and-forget: assigns id/timestamp when
// missing, updates the ring under the lock, and hands the entry to the
// durable writer without waiting for it.
func (l *Ledger) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFunc()
	}

	l.mu.Lock()
	l.ring[l.next] = e
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.filled = true
	}
	l.mu.Unlock()

	if l.writer != nil {
		if !l.writer.enqueue(e) {
			l.mu.Lock()
			l.dropped++
			if l.dropped == 1 {
				zap.L().Warn("ledger: durable writer saturated, dropping entries")
			}
			l.mu.Unlock()
		}
	}
}

// entriesSince returns a copy of retained entries at or after cutoff.
// A zero cutoff returns the whole retained window.
func (l *Ledger) entriesSince(cutoff time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.ring)
	}
	out := make([]Entry, 0, size)

	// Oldest-first traversal of the ring.
	start := 0
	if l.filled {
		start = l.next
	}
	for i := 0; i < size; i++ {
		e := l.ring[(start+i)%len(l.ring)]
		if cutoff.IsZero() || !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// HealthSnapshot computes rolling statistics over the given window.
// Empty windows return a zero snapshot, never an error.
func (l *Ledger) HealthSnapshot(window time.Duration) Snapshot {
	cutoff := l.nowFunc().Add(-window)
	entries := l.entriesSince(cutoff)

	snap := Snapshot{Window: window, TotalCalls: len(entries)}
	if len(entries) == 0 {
		return snap
	}

	var (
		errors    int
		cacheHits int
		totalMs   int64
		durations = make([]int64, 0, len(entries))
		perProv   = map[string]*ProviderStats{}
	)
	for _, e := range entries {
		if !e.Success {
			errors++
		}
		if e.CacheLevel != "" {
			cacheHits++
		}
		totalMs += e.DurationMs
		durations = append(durations, e.DurationMs)
		snap.TotalCostEUR += e.CostEUR

		if e.Provider != "" {
			ps := perProv[e.Provider]
			if ps == nil {
				ps = &ProviderStats{}
				perProv[e.Provider] = ps
			}
			ps.Calls++
			if !e.Success {
				ps.ErrorRate++ // raw error count until normalized below
			}
		}
	}

	snap.ErrorRate = float64(errors) / float64(len(entries))
	snap.CacheHitRate = float64(cacheHits) / float64(len(entries))
	snap.AvgDurationMs = float64(totalMs) / float64(len(entries))

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	idx := (len(durations) * 95) / 100
	if idx >= len(durations) {
		idx = len(durations) - 1
	}
	snap.P95DurationMs = durations[idx]

	for name, ps := range perProv {
		ps.ErrorRate /= float64(ps.Calls)
		if ps.Calls >= unhealthyMinSamples && ps.ErrorRate > unhealthyErrorRate {
			snap.UnhealthyProviders = append(snap.UnhealthyProviders, name)
		}
	}
	sort.Strings(snap.UnhealthyProviders)

	snap.Backpressure = snap.ErrorRate > backpressureErrorRate ||
		snap.P95DurationMs > backpressureP95Ms
	return snap
}

// ProviderHealth returns error rate and average latency for one provider
// over the whole retained window. Zeroes when the provider has no entries.
func (l *Ledger) ProviderHealth(provider string) ProviderStats {
	entries := l.entriesSince(time.Time{})

	var stats ProviderStats
	var totalMs int64
	var errors int
	for _, e := range entries {
		if e.Provider != provider {
			continue
		}
		stats.Calls++
		totalMs += e.DurationMs
		if !e.Success {
			errors++
		}
	}
	if stats.Calls == 0 {
		return stats
	}
	stats.ErrorRate = float64(errors) / float64(stats.Calls)
	stats.AvgDurationMs = float64(totalMs) / float64(stats.Calls)
	return stats
}

// CostPerUnit divides total retained cost by n completed units.
// Returns 0 when n is 0.
func (l *Ledger) CostPerUnit(n int) float64 {
	if n <= 0 {
		return 0
	}
	var total float64
	for _, e := range l.entriesSince(time.Time{}) {
		total += e.CostEUR
	}
	return total / float64(n)
}

// Close flushes and stops the durable writer, if any.
func (l *Ledger) Close() error {
	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}
