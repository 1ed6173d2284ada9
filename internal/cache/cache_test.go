package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory RemoteStore that can be forced to fail.
type fakeRemote struct {
	mu      sync.Mutex
	kv      map[string][]byte
	zset    map[string]map[string]float64
	failing bool
	calls   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{kv: map[string][]byte{}, zset: map[string]map[string]float64{}}
}

func (f *fakeRemote) fail(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = on
}

func (f *fakeRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return nil, false, eris.New("connection refused")
	}
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failing {
		return eris.New("connection refused")
	}
	f.kv[key] = value
	return nil
}

func (f *fakeRemote) ZAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return eris.New("connection refused")
	}
	if f.zset[key] == nil {
		f.zset[key] = map[string]float64{}
	}
	f.zset[key][member] = score
	return nil
}

func (f *fakeRemote) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, eris.New("connection refused")
	}
	var out []string
	for m, s := range f.zset[key] {
		if s >= min && s <= max {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) ZCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, eris.New("connection refused")
	}
	return int64(len(f.zset[key])), nil
}

func TestGet_MissIsIdempotent(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	v, level := c.Get(ctx, "ns", "unseen")
	assert.Nil(t, v)
	assert.Equal(t, Miss, level)

	v, level = c.Get(ctx, "ns", "unseen")
	assert.Nil(t, v)
	assert.Equal(t, Miss, level)
	assert.Zero(t, c.Len())
}

func TestSetGet_RoundTripL1(t *testing.T) {
	c := New(nil)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", []byte("v"), time.Minute))

	v, level := c.Get(ctx, "ns", "k")
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, L1, level)
}

func TestSet_NoTTLFailsLoudly(t *testing.T) {
	c := New(nil)
	err := c.Set(context.Background(), "ns", "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrNoTTL)
}

func TestGet_L2HitBackfillsL1(t *testing.T) {
	remote := newFakeRemote()
	remote.kv["ns:k"] = []byte("from-l2")
	c := New(remote)
	ctx := context.Background()

	v, level := c.Get(ctx, "ns", "k")
	assert.Equal(t, []byte("from-l2"), v)
	assert.Equal(t, L2, level)

	// Second read must come from L1 without touching the remote again.
	before := remote.calls
	v, level = c.Get(ctx, "ns", "k")
	assert.Equal(t, []byte("from-l2"), v)
	assert.Equal(t, L1, level)
	assert.Equal(t, before, remote.calls)
}

func TestGet_L2BackfillExpiresBeforeDirectWrites(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := newFakeRemote()
	remote.kv["ns:k"] = []byte("from-l2")
	c := New(remote, WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	_, level := c.Get(ctx, "ns", "k")
	require.Equal(t, L2, level)
	require.NoError(t, c.Set(ctx, "ns", "direct", []byte("v"), time.Hour))

	// Past the backfill lifetime but inside the ceiling: the backfilled
	// entry is gone while the direct write of the same age survives.
	now = now.Add(l1TTLCeiling/2 + time.Second)
	_, level = c.Get(ctx, "ns", "k")
	assert.Equal(t, L2, level, "backfill must be re-read from the remote store")
	_, level = c.Get(ctx, "ns", "direct")
	assert.Equal(t, L1, level)
}

func TestL1_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(nil, WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ns", "k", []byte("v"), 10*time.Second))

	now = now.Add(11 * time.Second)
	_, level := c.Get(ctx, "ns", "k")
	assert.Equal(t, Miss, level)
}

func TestL1_EntryCountEviction(t *testing.T) {
	c := New(nil, WithMaxEntries(3))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.Set(ctx, "ns", k, []byte("v"), time.Minute))
	}

	assert.Equal(t, 3, c.Len())
	_, level := c.Get(ctx, "ns", "a")
	assert.Equal(t, Miss, level, "oldest entry should be evicted")
	_, level = c.Get(ctx, "ns", "d")
	assert.Equal(t, L1, level)
}

func TestL1_MemoryPressureBulkEviction(t *testing.T) {
	// 10 entries of ~104 bytes each against a 600-byte budget.
	c := New(nil, WithMaxBytes(600))
	ctx := context.Background()

	payload := make([]byte, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Set(ctx, "ns", string(rune('a'+i)), payload, time.Minute))
	}

	assert.Less(t, c.Len(), 10, "bulk eviction should have fired")
}

func TestUnhealthyRemote_DegradesWithoutErrors(t *testing.T) {
	remote := newFakeRemote()
	remote.fail(true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(remote, WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	// Failures accumulate until the store is marked unhealthy.
	for i := 0; i < 5; i++ {
		_, level := c.Get(ctx, "ns", "k")
		assert.Equal(t, Miss, level)
	}
	assert.False(t, c.Healthy())

	// While unhealthy (and before the probe interval) no remote calls are made.
	before := remote.calls
	_, level := c.Get(ctx, "ns", "k")
	assert.Equal(t, Miss, level)
	assert.Equal(t, before, remote.calls)

	// Set still succeeds, L1-only.
	require.NoError(t, c.Set(ctx, "ns", "k", []byte("v"), time.Minute))
	v, lvl := c.Get(ctx, "ns", "k")
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, L1, lvl)

	// A successful probe after the interval recovers the store.
	remote.fail(false)
	now = now.Add(31 * time.Second)
	c.Get(ctx, "ns", "other")
	assert.True(t, c.Healthy())
}

func TestRemotePrimitives_NoOpWhenUnhealthy(t *testing.T) {
	remote := newFakeRemote()
	remote.fail(true)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(remote, WithNowFunc(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < unhealthyAfter; i++ {
		c.ZAdd(ctx, "cooldown", 1, "m")
	}
	require.False(t, c.Healthy())

	assert.Nil(t, c.ZRangeByScore(ctx, "cooldown", 0, 10))
	assert.Zero(t, c.ZCard(ctx, "cooldown"))
	_, ok := c.RemoteGet(ctx, "k")
	assert.False(t, ok)
}

func TestZSetPrimitives(t *testing.T) {
	remote := newFakeRemote()
	c := New(remote)
	ctx := context.Background()

	c.ZAdd(ctx, "esc", 100, "fp-1")
	c.ZAdd(ctx, "esc", 200, "fp-2")

	assert.ElementsMatch(t, []string{"fp-1", "fp-2"}, c.ZRangeByScore(ctx, "esc", 0, 300))
	assert.Equal(t, []string{"fp-1"}, c.ZRangeByScore(ctx, "esc", 0, 150))
	assert.Equal(t, int64(2), c.ZCard(ctx, "esc"))
}
