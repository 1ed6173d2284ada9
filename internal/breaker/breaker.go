// Package breaker is the financial circuit breaker. It watches cost per
// processed record and system health and, when the run is burning money
// without producing results, clamps the system into a cheap degraded mode
// until things recover.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/valve"
)

const (
	window = 5 * time.Minute

	defaultCostCeilingEUR  = 0.02
	defaultErrorRateLimit  = 0.5
	defaultQueueSaturation = 50
	defaultDwell           = 10 * time.Minute
	defaultSafeConcurrency = 2
)

// Health is the slice of the ledger the breaker reads.
type Health interface {
	HealthSnapshot(window time.Duration) ledger.Snapshot
	CostPerUnit(processed int) float64
}

// Governor is the slice of the valve the breaker steers.
type Governor interface {
	SetConcurrency(n int)
	Metrics() valve.Metrics
}

// Option configures the Breaker.
type Option func(*Breaker)

// WithCostCeiling overrides the per-unit cost ceiling in EUR.
func WithCostCeiling(eur float64) Option {
	return func(b *Breaker) { b.costCeiling = eur }
}

// WithDwell overrides the minimum time spent in bleeding mode.
func WithDwell(d time.Duration) Option {
	return func(b *Breaker) { b.dwell = d }
}

// WithQueueSaturation overrides the queue-depth saturation threshold.
func WithQueueSaturation(n int) Option {
	return func(b *Breaker) { b.queueSaturation = n }
}

// WithSafeConcurrency overrides the concurrency forced while bleeding.
func WithSafeConcurrency(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.safeConcurrency = n
		}
	}
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(b *Breaker) { b.nowFunc = now }
}

// Breaker decides whether the run is bleeding money. Safe for concurrent use.
type Breaker struct {
	health Health
	valve  Governor

	costCeiling     float64
	errorRateLimit  float64
	queueSaturation int
	dwell           time.Duration
	safeConcurrency int
	nowFunc         func() time.Time

	mu        sync.Mutex
	bleeding  bool
	enteredAt time.Time
}

// New creates a Breaker over the given health source and valve.
func New(h Health, v Governor, opts ...Option) *Breaker {
	b := &Breaker{
		health:          h,
		valve:           v,
		costCeiling:     defaultCostCeilingEUR,
		errorRateLimit:  defaultErrorRateLimit,
		queueSaturation: defaultQueueSaturation,
		dwell:           defaultDwell,
		safeConcurrency: defaultSafeConcurrency,
		nowFunc:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Evaluate is called once per record before processing. It returns whether
// the system is currently bleeding.
func (b *Breaker) Evaluate(processedCount int) bool {
	snap := b.health.HealthSnapshot(window)
	costPerUnit := b.health.CostPerUnit(processedCount)
	m := b.valve.Metrics()

	var reasons []string
	if processedCount > 0 && costPerUnit > b.costCeiling {
		reasons = append(reasons, "cost_per_unit")
	}
	if snap.TotalCalls > 0 && snap.ErrorRate > b.errorRateLimit {
		reasons = append(reasons, "error_rate")
	}
	if m.CurrentConcurrency <= m.MinConcurrency && m.QueueDepth > b.queueSaturation {
		reasons = append(reasons, "saturation")
	}
	triggered := len(reasons) > 0

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	switch {
	case !b.bleeding && triggered:
		b.bleeding = true
		b.enteredAt = now
		zap.L().Warn("breaker: entering bleeding mode",
			zap.Strings("reasons", reasons),
			zap.Float64("cost_per_unit_eur", costPerUnit),
			zap.Float64("error_rate", snap.ErrorRate),
			zap.Int("queue_depth", m.QueueDepth),
		)
		b.valve.SetConcurrency(b.safeConcurrency)

	case b.bleeding && !triggered && now.Sub(b.enteredAt) >= b.dwell:
		b.bleeding = false
		zap.L().Info("breaker: recovered, leaving bleeding mode",
			zap.Duration("bled_for", now.Sub(b.enteredAt)),
		)
	}

	return b.bleeding
}

// Bleeding reports the current state without re-evaluating.
func (b *Breaker) Bleeding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bleeding
}
