package router

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/resolve-cli/internal/cache"
	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/model"
)

type stubProvider struct {
	name    string
	tier    int
	cost    float64
	credits *float64
	execute func(context.Context, model.Payload) (json.RawMessage, error)
	calls   atomic.Int32
}

func (s *stubProvider) Name() string            { return s.name }
func (s *stubProvider) Tier() int               { return s.tier }
func (s *stubProvider) CostPerCall() float64    { return s.cost }
func (s *stubProvider) Credits() *float64       { return s.credits }
func (s *stubProvider) Tasks() []model.TaskType { return []model.TaskType{model.TaskSearch} }

func (s *stubProvider) Execute(ctx context.Context, p model.Payload) (json.RawMessage, error) {
	s.calls.Add(1)
	return s.execute(ctx, p)
}

func ok(data string) func(context.Context, model.Payload) (json.RawMessage, error) {
	return func(context.Context, model.Payload) (json.RawMessage, error) {
		return json.RawMessage(data), nil
	}
}

func failWith(err error) func(context.Context, model.Payload) (json.RawMessage, error) {
	return func(context.Context, model.Payload) (json.RawMessage, error) {
		return nil, err
	}
}

func searchPayload(q string) model.Payload {
	return model.Payload{Search: &model.SearchQuery{Query: q}}
}

func newTestRouter(t *testing.T, providers ...*stubProvider) (*Router, *ledger.Ledger) {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		reg.Register(p)
	}
	led := ledger.New()
	t.Cleanup(func() { _ = led.Close() })
	r := New(reg, cache.New(nil), led, WithRateDefaults(100, 10))
	return r, led
}

func TestRoute_FirstSuccessWins(t *testing.T) {
	free := &stubProvider{name: "free", tier: 0, execute: failWith(eris.New("timeout"))}
	cheap := &stubProvider{name: "cheap", tier: 1, cost: 0.001, execute: ok(`{"hits":1}`)}
	dear := &stubProvider{name: "dear", tier: 2, cost: 0.01, execute: ok(`{"hits":2}`)}
	r, led := newTestRouter(t, dear, free, cheap)

	res, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "cheap", res.Provider)
	assert.Equal(t, 1, res.Tier)
	assert.JSONEq(t, `{"hits":1}`, string(res.Data))

	assert.Equal(t, int32(1), free.calls.Load())
	assert.Equal(t, int32(1), cheap.calls.Load())
	assert.Zero(t, dear.calls.Load(), "providers past the first success must not run")
	assert.Equal(t, 2, led.HealthSnapshot(time.Minute).TotalCalls)
}

func TestRoute_PaidAuthFailuresStillReachHigherTier(t *testing.T) {
	// Tiers 0 and 1 rejected with auth errors; tier 2 carries the task.
	p0 := &stubProvider{name: "p0", tier: 0, execute: failWith(&AuthError{Provider: "p0", Status: 401})}
	p1 := &stubProvider{name: "p1", tier: 1, execute: failWith(&AuthError{Provider: "p1", Status: 401})}
	p2 := &stubProvider{name: "p2", tier: 2, cost: 0.005, execute: ok(`{"hits":3}`)}
	r, led := newTestRouter(t, p0, p1, p2)

	res, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Provider)
	assert.Equal(t, 0.005, res.CostEUR)

	snap := led.HealthSnapshot(time.Minute)
	assert.Equal(t, 3, snap.TotalCalls, "every attempt is logged")
	assert.InDelta(t, 2.0/3.0, snap.ErrorRate, 1e-9)
	assert.Equal(t, 0.005, snap.TotalCostEUR, "failed attempts cost nothing")
}

func TestRoute_CacheFastPath(t *testing.T) {
	p := &stubProvider{name: "p", tier: 1, cost: 0.002, execute: ok(`{"hits":1}`)}
	r, _ := newTestRouter(t, p)
	ctx := context.Background()

	first, err := r.Route(ctx, model.TaskSearch, searchPayload("acme"), Options{})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := r.Route(ctx, model.TaskSearch, searchPayload("acme"), Options{})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, cache.L1, second.CacheLevel)
	assert.Zero(t, second.CostEUR)
	assert.JSONEq(t, string(first.Data), string(second.Data))
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestRoute_SkipCacheBypassesBothDirections(t *testing.T) {
	p := &stubProvider{name: "p", tier: 1, execute: ok(`{"hits":1}`)}
	r, _ := newTestRouter(t, p)
	ctx := context.Background()

	_, err := r.Route(ctx, model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	res, err := r.Route(ctx, model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestRoute_MaxTierCeiling(t *testing.T) {
	p := &stubProvider{name: "p", tier: 2, execute: ok(`{}`)}
	r, _ := newTestRouter(t, p)

	_, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"),
		Options{MaxTier: 1, SkipCache: true})
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.Zero(t, p.calls.Load())
}

func TestRoute_ExhaustedCreditsSkippedWithoutCall(t *testing.T) {
	zero := 0.0
	broke := &stubProvider{name: "broke", tier: 0, credits: &zero, execute: ok(`{}`)}
	next := &stubProvider{name: "next", tier: 1, execute: ok(`{"hits":1}`)}
	r, led := newTestRouter(t, broke, next)

	res, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "next", res.Provider)
	assert.Zero(t, broke.calls.Load())
	assert.Equal(t, 1, led.HealthSnapshot(time.Minute).TotalCalls, "skips are not attempts")
}

func TestRoute_UnhealthyProviderSkipped(t *testing.T) {
	flaky := &stubProvider{name: "flaky", tier: 0, execute: ok(`{}`)}
	steady := &stubProvider{name: "steady", tier: 1, execute: ok(`{"hits":1}`)}
	r, led := newTestRouter(t, flaky, steady)

	for i := 0; i < 5; i++ {
		led.Record(ledger.Entry{Provider: "flaky", Success: false})
	}

	res, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "steady", res.Provider)
	assert.Zero(t, flaky.calls.Load())
}

func TestRoute_AuthOnlyFailuresTriggerFreeOnlyRetry(t *testing.T) {
	// The free scraper is health-filtered out of the normal pass, and both
	// paid providers are mis-configured. The degraded pass ignores health
	// and recovers through the free tier.
	free := &stubProvider{name: "free", tier: 0, execute: ok(`{"hits":1}`)}
	paid1 := &stubProvider{name: "paid1", tier: 2, execute: failWith(&AuthError{Provider: "paid1", Status: 401})}
	paid2 := &stubProvider{name: "paid2", tier: 3, execute: failWith(&AuthError{Provider: "paid2", Status: 403})}
	r, led := newTestRouter(t, free, paid1, paid2)

	for i := 0; i < 5; i++ {
		led.Record(ledger.Entry{Provider: "free", Success: false})
	}

	res, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	require.NoError(t, err)
	assert.Equal(t, "free", res.Provider)
	assert.Equal(t, int32(1), free.calls.Load())
	assert.Equal(t, int32(1), paid1.calls.Load())
	assert.Equal(t, int32(1), paid2.calls.Load())
}

func TestRoute_MixedFailureClassesDisqualifyRetry(t *testing.T) {
	// One transient failure among the auth failures means the world is not
	// "paid keys are broken"; no degraded pass runs.
	free := &stubProvider{name: "free", tier: 0, execute: ok(`{"hits":1}`)}
	flaky := &stubProvider{name: "flaky", tier: 1, execute: failWith(eris.New("connection reset"))}
	paid := &stubProvider{name: "paid", tier: 2, execute: failWith(&AuthError{Provider: "paid", Status: 401})}
	r, led := newTestRouter(t, free, flaky, paid)

	for i := 0; i < 5; i++ {
		led.Record(ledger.Entry{Provider: "free", Success: false})
	}

	_, err := r.Route(context.Background(), model.TaskSearch, searchPayload("acme"), Options{SkipCache: true})
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.Zero(t, free.calls.Load())
}

func TestRoute_NoProvidersForTask(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Route(context.Background(), model.TaskOracle,
		model.Payload{Chat: &model.ChatCompletion{Prompt: "p"}}, Options{SkipCache: true})
	assert.ErrorIs(t, err, ErrProvidersExhausted)
	assert.Contains(t, err.Error(), string(model.TaskOracle))
}

func TestCacheKey_DeterministicAndPayloadSensitive(t *testing.T) {
	a := cacheKey(model.TaskSearch, searchPayload("acme"))
	b := cacheKey(model.TaskSearch, searchPayload("acme"))
	c := cacheKey(model.TaskSearch, searchPayload("acme srl"))
	d := cacheKey(model.TaskRender, searchPayload("acme"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}

func TestBucket_OverloadFailsFast(t *testing.T) {
	b := newBucket(0.001, 1)
	b.maxWaiters = 0
	ctx := context.Background()

	require.NoError(t, b.acquire(ctx), "burst token")
	err := b.acquire(ctx)
	assert.ErrorIs(t, err, ErrRateOverload)
}

func TestBucket_WaiterRecoversAfterRefill(t *testing.T) {
	b := newBucket(100, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, b.acquire(ctx))
	require.NoError(t, b.acquire(ctx), "second acquire waits for refill")
}
