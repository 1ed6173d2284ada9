// Package valve is the admission-control layer: every per-record pipeline
// execution passes through a priority-queued governor whose concurrency is
// tuned by an AIMD feedback loop reading the ledger's rolling health.
package valve

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/ledger"
)

// ErrQueueOverflow signals that total queued depth hit the ceiling. It is a
// back-pressure signal to the caller, never a silent drop.
var ErrQueueOverflow = eris.New("valve: queue overflow")

// ErrClosed is returned for submissions after Close.
var ErrClosed = eris.New("valve: closed")

// Priority classes; 0 is drained before anything in 1..3 starts.
const (
	PriorityCritical = 0
	PriorityHigh     = 1
	PriorityNormal   = 2
	PriorityLow      = 3

	numPriorities = 4
)

// AIMD thresholds applied on each control tick against a 30s window.
const (
	emergencyErrorRate = 0.30
	backoffErrorRate   = 0.15
	growErrorRate      = 0.05

	healthWindow = 30 * time.Second
)

// HealthSource supplies the rolling snapshot driving the control loop.
type HealthSource interface {
	HealthSnapshot(window time.Duration) ledger.Snapshot
}

// Config holds the valve tunables.
type Config struct {
	MinConcurrency     int
	MaxConcurrency     int
	InitialConcurrency int
	MaxQueueDepth      int
	TickInterval       time.Duration
	LatencyCeilingMs   float64 // halve concurrency above this average
	LatencyFloorMs     float64 // grow concurrency only below this average
}

// DefaultConfig returns conservative defaults suitable for free-tier-only
// operation.
func DefaultConfig() Config {
	return Config{
		MinConcurrency:     1,
		MaxConcurrency:     8,
		InitialConcurrency: 3,
		MaxQueueDepth:      1000,
		TickInterval:       2 * time.Second,
		LatencyCeilingMs:   10000,
		LatencyFloorMs:     4000,
	}
}

type taskResult struct {
	val any
	err error
}

type task struct {
	ctx       context.Context
	fn        func(context.Context) (any, error)
	done      chan taskResult
	cancelled atomic.Bool
}

// Metrics is a point-in-time view of the valve for operators and the
// circuit breaker.
type Metrics struct {
	CurrentConcurrency int     `json:"current_concurrency"`
	MaxConcurrency     int     `json:"max_concurrency"`
	MinConcurrency     int     `json:"min_concurrency"`
	Running            int     `json:"running"`
	QueueDepth         int     `json:"queue_depth"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
	ErrorRate          float64 `json:"error_rate"`
	Adjustments        int     `json:"adjustments"`
	Paused             bool    `json:"paused"`
}

// Valve is the concurrency governor. All methods are safe for concurrent use.
type Valve struct {
	cfg    Config
	health HealthSource

	mu          sync.Mutex
	queues      [numPriorities][]*task
	depth       int
	running     int
	current     int
	paused      bool
	closed      bool
	adjustments int
	lastSnap    ledger.Snapshot

	loopStop chan struct{}
	loopWG   sync.WaitGroup
}

// New creates a Valve. Call Start to run the wall-clock control loop, or
// drive Tick directly in tests.
func New(cfg Config, health HealthSource) *Valve {
	if cfg.MinConcurrency < 1 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}
	if cfg.InitialConcurrency < cfg.MinConcurrency {
		cfg.InitialConcurrency = cfg.MinConcurrency
	}
	if cfg.InitialConcurrency > cfg.MaxConcurrency {
		cfg.InitialConcurrency = cfg.MaxConcurrency
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1000
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	return &Valve{
		cfg:      cfg,
		health:   health,
		current:  cfg.InitialConcurrency,
		loopStop: make(chan struct{}),
	}
}

// Start launches the periodic control loop.
func (v *Valve) Start() {
	v.loopWG.Add(1)
	go func() {
		defer v.loopWG.Done()
		ticker := time.NewTicker(v.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				v.Tick()
			case <-v.loopStop:
				return
			}
		}
	}()
}

// Close stops the control loop and rejects further submissions. Queued
// tasks are failed with ErrClosed; running tasks finish.
func (v *Valve) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	var orphaned []*task
	for i := range v.queues {
		orphaned = append(orphaned, v.queues[i]...)
		v.queues[i] = nil
	}
	v.depth = 0
	v.mu.Unlock()

	close(v.loopStop)
	v.loopWG.Wait()

	for _, t := range orphaned {
		t.done <- taskResult{err: ErrClosed}
	}
}

// Submit enqueues fn at the given priority class and blocks until it
// completes, is rejected, or ctx is cancelled.
func (v *Valve) Submit(ctx context.Context, priority int, fn func(context.Context) (any, error)) (any, error) {
	if priority < PriorityCritical {
		priority = PriorityCritical
	}
	if priority > PriorityLow {
		priority = PriorityLow
	}

	t := &task{ctx: ctx, fn: fn, done: make(chan taskResult, 1)}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrClosed
	}
	if v.depth >= v.cfg.MaxQueueDepth {
		v.mu.Unlock()
		return nil, ErrQueueOverflow
	}
	v.queues[priority] = append(v.queues[priority], t)
	v.depth++
	v.dispatchLocked()
	v.mu.Unlock()

	select {
	case r := <-t.done:
		return r.val, r.err
	case <-ctx.Done():
		// Not yet started: mark so the drain loop discards it.
		t.cancelled.Store(true)
		return nil, ctx.Err()
	}
}

// Execute runs fn through the valve preserving its result type.
func Execute[T any](ctx context.Context, v *Valve, priority int, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	res, err := v.Submit(ctx, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}

// dispatchLocked starts queued tasks while capacity allows, always draining
// the lowest-numbered non-empty queue first. Caller holds the lock.
func (v *Valve) dispatchLocked() {
	if v.paused || v.closed {
		return
	}
	for v.running < v.current {
		t := v.popLocked()
		if t == nil {
			return
		}
		if t.cancelled.Load() || t.ctx.Err() != nil {
			t.done <- taskResult{err: t.ctx.Err()}
			continue
		}
		v.running++
		go v.run(t)
	}
}

// popLocked removes the head of the highest-priority non-empty queue.
func (v *Valve) popLocked() *task {
	for i := 0; i < numPriorities; i++ {
		if len(v.queues[i]) == 0 {
			continue
		}
		t := v.queues[i][0]
		v.queues[i] = v.queues[i][1:]
		v.depth--
		return t
	}
	return nil
}

func (v *Valve) run(t *task) {
	val, err := t.fn(t.ctx)
	t.done <- taskResult{val: val, err: err}

	v.mu.Lock()
	v.running--
	v.dispatchLocked()
	v.mu.Unlock()
}

// Pause freezes admission without discarding the queue.
func (v *Valve) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = true
}

// Resume unfreezes admission.
func (v *Valve) Resume() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = false
	v.dispatchLocked()
}

// SetConcurrency is the explicit external override used by the circuit
// breaker. The value is clamped to [min, max].
func (v *Valve) SetConcurrency(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = v.clamp(n)
	v.dispatchLocked()
}

// Tick runs one AIMD control step against the ledger's 30-second window.
// The wall-clock loop calls this every TickInterval; tests call it directly.
func (v *Valve) Tick() {
	snap := v.health.HealthSnapshot(healthWindow)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSnap = snap

	if snap.TotalCalls == 0 {
		return
	}

	prev := v.current
	switch {
	case snap.ErrorRate > emergencyErrorRate:
		v.current = 1
	case snap.ErrorRate > backoffErrorRate || snap.AvgDurationMs > v.cfg.LatencyCeilingMs:
		v.current = v.clamp(v.current / 2)
	case snap.ErrorRate < growErrorRate && snap.AvgDurationMs < v.cfg.LatencyFloorMs:
		v.current = v.clamp(v.current + 1)
	}

	if v.current != prev {
		v.adjustments++
		zap.L().Info("valve: concurrency adjusted",
			zap.Int("from", prev),
			zap.Int("to", v.current),
			zap.Float64("error_rate", snap.ErrorRate),
			zap.Float64("avg_latency_ms", snap.AvgDurationMs),
		)
		v.dispatchLocked()
	}
}

func (v *Valve) clamp(n int) int {
	if n < v.cfg.MinConcurrency {
		return v.cfg.MinConcurrency
	}
	if n > v.cfg.MaxConcurrency {
		return v.cfg.MaxConcurrency
	}
	return n
}

// Metrics returns a point-in-time view of the valve.
func (v *Valve) Metrics() Metrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Metrics{
		CurrentConcurrency: v.current,
		MaxConcurrency:     v.cfg.MaxConcurrency,
		MinConcurrency:     v.cfg.MinConcurrency,
		Running:            v.running,
		QueueDepth:         v.depth,
		AvgLatencyMs:       v.lastSnap.AvgDurationMs,
		ErrorRate:          v.lastSnap.ErrorRate,
		Adjustments:        v.adjustments,
		Paused:             v.paused,
	}
}
