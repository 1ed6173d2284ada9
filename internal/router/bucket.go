package router

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrRateOverload is returned when a provider's token bucket is saturated
// and its waiter queue is already full. Callers should back off rather than
// pile up behind a slow provider.
var ErrRateOverload = eris.New("router: rate bucket overloaded")

const defaultMaxWaiters = 8

// bucket wraps a token bucket with a bounded waiter count.
type bucket struct {
	limiter    *rate.Limiter
	maxWaiters int32
	waiters    atomic.Int32
}

func newBucket(callsPerSecond float64, burst int) *bucket {
	if burst < 1 {
		burst = 1
	}
	return &bucket{
		limiter:    rate.NewLimiter(rate.Limit(callsPerSecond), burst),
		maxWaiters: defaultMaxWaiters,
	}
}

// acquire takes one token, waiting if necessary. It fails fast with
// ErrRateOverload once the waiter queue is full.
func (b *bucket) acquire(ctx context.Context) error {
	if b.limiter.Allow() {
		return nil
	}
	if b.waiters.Add(1) > b.maxWaiters {
		b.waiters.Add(-1)
		return ErrRateOverload
	}
	defer b.waiters.Add(-1)
	return b.limiter.Wait(ctx)
}

// buckets is the per-provider bucket table.
type buckets struct {
	mu      sync.Mutex
	byName  map[string]*bucket
	rps     float64
	burst   int
	perName map[string]RateSpec
}

// RateSpec overrides the default bucket shape for one provider.
type RateSpec struct {
	CallsPerSecond float64
	Burst          int
}

func newBuckets(defaultRPS float64, defaultBurst int, overrides map[string]RateSpec) *buckets {
	return &buckets{
		byName:  make(map[string]*bucket),
		rps:     defaultRPS,
		burst:   defaultBurst,
		perName: overrides,
	}
}

func (bs *buckets) forProvider(name string) *bucket {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok := bs.byName[name]; ok {
		return b
	}
	rps, burst := bs.rps, bs.burst
	if spec, ok := bs.perName[name]; ok {
		rps, burst = spec.CallsPerSecond, spec.Burst
	}
	b := newBucket(rps, burst)
	bs.byName[name] = b
	return b
}
