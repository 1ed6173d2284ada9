// Package cache implements the two-level cache: a bounded in-process L1 map
// in front of a shared remote L2 store. L2 unavailability degrades the
// cache to L1-only; it never surfaces an error to callers.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Level identifies where a lookup was satisfied.
type Level string

const (
	L1   Level = "L1"
	L2   Level = "L2"
	Miss Level = "MISS"
)

// ErrNoTTL is returned by Set when no TTL is given. Caching without an
// expiry is a programming error: it fails loudly instead of growing the
// cache without bound.
var ErrNoTTL = eris.New("cache: set requires a positive ttl")

const (
	defaultMaxEntries = 10000
	defaultMaxBytes   = 64 << 20
	l1TTLCeiling      = 5 * time.Minute

	// L2 is marked unhealthy after this many consecutive failures and
	// re-probed at most once per probeInterval.
	unhealthyAfter = 3
	probeInterval  = 30 * time.Second
)

// Option configures the Cache.
type Option func(*Cache)

// WithMaxEntries bounds the L1 entry count.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithMaxBytes bounds approximate L1 memory usage.
func WithMaxBytes(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithTTLCeiling caps the L1 lifetime of any entry, including L2
// backfills.
func WithTTLCeiling(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttlCeiling = d
		}
	}
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) { c.nowFunc = now }
}

// Cache is the two-level cache. Safe for concurrent use.
type Cache struct {
	remote RemoteStore
	l1     *l1Store

	mu        sync.Mutex
	healthy   bool
	failures  int
	lastProbe time.Time

	nowFunc    func() time.Time
	maxEntries int
	maxBytes   int
	ttlCeiling time.Duration
}

// New creates a Cache. remote may be nil for L1-only operation.
func New(remote RemoteStore, opts ...Option) *Cache {
	c := &Cache{
		remote:     remote,
		l1:         newL1(defaultMaxEntries, defaultMaxBytes),
		healthy:    remote != nil,
		nowFunc:    time.Now,
		maxEntries: defaultMaxEntries,
		maxBytes:   defaultMaxBytes,
		ttlCeiling: l1TTLCeiling,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.l1.maxEntries = c.maxEntries
	c.l1.maxBytes = c.maxBytes
	return c
}

// Get looks up (ns, key), trying L1 first and then the remote store while
// it is healthy. L2 hits backfill L1 with a TTL below the L1 ceiling.
// Never errors: remote failures count toward the health gate and read as
// misses.
func (c *Cache) Get(ctx context.Context, ns, key string) ([]byte, Level) {
	k := ns + ":" + key
	now := c.nowFunc()

	if v, ok := c.l1.get(k, now); ok {
		return v, L1
	}
	if c.remote == nil || !c.l2Usable(now) {
		return nil, Miss
	}

	v, ok, err := c.remote.Get(ctx, k)
	if err != nil {
		c.l2Failure(err)
		return nil, Miss
	}
	c.l2Success()
	if !ok {
		return nil, Miss
	}

	// Backfills get half the ceiling so they always expire before a
	// direct L1 write of the same age.
	c.l1.set(k, v, now, c.ttlCeiling/2)
	return v, L2
}

// Set writes L1 synchronously and the remote store asynchronously
// (best-effort). The ttl is mandatory.
func (c *Cache) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}
	k := ns + ":" + key
	now := c.nowFunc()

	l1TTL := ttl
	if l1TTL > c.ttlCeiling {
		l1TTL = c.ttlCeiling
	}
	c.l1.set(k, value, now, l1TTL)

	if c.remote == nil || !c.l2Usable(now) {
		return nil
	}
	go func() {
		// Detached from the caller's lifetime on purpose.
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.remote.Set(wctx, k, value, ttl); err != nil {
			c.l2Failure(err)
			return
		}
		c.l2Success()
	}()
	return nil
}

// Healthy reports whether the remote store is currently usable.
func (c *Cache) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Len returns the current L1 entry count.
func (c *Cache) Len() int {
	return c.l1.len()
}

// Remote primitives for rate-limit and cooldown bookkeeping. All of them
// degrade to no-ops or empty results while the remote store is unhealthy.

// ZAdd adds a scored member to a remote sorted set.
func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) {
	if c.remote == nil || !c.l2Usable(c.nowFunc()) {
		return
	}
	if err := c.remote.ZAdd(ctx, key, score, member); err != nil {
		c.l2Failure(err)
		return
	}
	c.l2Success()
}

// ZRangeByScore returns members of a remote sorted set within [min, max].
func (c *Cache) ZRangeByScore(ctx context.Context, key string, min, max float64) []string {
	if c.remote == nil || !c.l2Usable(c.nowFunc()) {
		return nil
	}
	members, err := c.remote.ZRangeByScore(ctx, key, min, max)
	if err != nil {
		c.l2Failure(err)
		return nil
	}
	c.l2Success()
	return members
}

// ZCard returns the cardinality of a remote sorted set.
func (c *Cache) ZCard(ctx context.Context, key string) int64 {
	if c.remote == nil || !c.l2Usable(c.nowFunc()) {
		return 0
	}
	n, err := c.remote.ZCard(ctx, key)
	if err != nil {
		c.l2Failure(err)
		return 0
	}
	c.l2Success()
	return n
}

// RemoteGet bypasses L1 entirely. Returns (nil, false) when unhealthy.
func (c *Cache) RemoteGet(ctx context.Context, key string) ([]byte, bool) {
	if c.remote == nil || !c.l2Usable(c.nowFunc()) {
		return nil, false
	}
	v, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.l2Failure(err)
		return nil, false
	}
	c.l2Success()
	return v, ok
}

// RemoteSet bypasses L1 entirely; best-effort.
func (c *Cache) RemoteSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.remote == nil || !c.l2Usable(c.nowFunc()) {
		return
	}
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		c.l2Failure(err)
		return
	}
	c.l2Success()
}

// l2Usable reports whether an L2 attempt should be made: healthy, or
// unhealthy but due for a recovery probe.
func (c *Cache) l2Usable(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		return true
	}
	if now.Sub(c.lastProbe) >= probeInterval {
		c.lastProbe = now
		return true
	}
	return false
}

// l2Failure counts a remote failure and flips to unhealthy after the
// threshold. The transition is logged exactly once.
func (c *Cache) l2Failure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.healthy && c.failures >= unhealthyAfter {
		c.healthy = false
		c.lastProbe = c.nowFunc()
		zap.L().Warn("cache: remote store unhealthy, degrading to L1-only", zap.Error(err))
	}
}

// l2Success resets the failure count; a successful probe recovers L2.
func (c *Cache) l2Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	if !c.healthy {
		c.healthy = true
		zap.L().Info("cache: remote store recovered")
	}
}
