package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/cache"
	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/model"
)

// ErrProvidersExhausted wraps the task type that no provider could serve.
var ErrProvidersExhausted = eris.New("router: all providers exhausted")

const (
	cacheNamespace  = "route"
	defaultCacheTTL = 24 * time.Hour

	// A provider is skipped when its ledger error rate exceeds this over
	// at least unhealthyMinSamples calls.
	unhealthyErrorRate  = 0.5
	unhealthyMinSamples = 5

	freeTierCeiling = 1
)

// Options tunes a single Route call.
type Options struct {
	// MaxTier is the inclusive tier ceiling. Zero or negative means no
	// ceiling; tier 0 providers are always eligible.
	MaxTier   int
	SkipCache bool
	// CompanyID tags ledger entries for per-record cost attribution.
	CompanyID string
}

// RouteResult is the outcome of a successful Route call.
type RouteResult struct {
	Data       json.RawMessage `json:"data"`
	Provider   string          `json:"provider"`
	Tier       int             `json:"tier"`
	CostEUR    float64         `json:"cost_eur"`
	DurationMs int64           `json:"duration_ms"`
	CacheHit   bool            `json:"cache_hit"`
	CacheLevel cache.Level     `json:"cache_level,omitempty"`
}

// Option configures the Router.
type Option func(*Router)

// WithRateDefaults sets the default token-bucket shape for providers
// without an explicit override.
func WithRateDefaults(callsPerSecond float64, burst int) Option {
	return func(r *Router) {
		r.defaultRPS = callsPerSecond
		r.defaultBurst = burst
	}
}

// WithRateOverride pins a provider to its own bucket shape.
func WithRateOverride(provider string, spec RateSpec) Option {
	return func(r *Router) { r.rateOverrides[provider] = spec }
}

// WithCacheTTL overrides the result cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Router) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(r *Router) { r.nowFunc = now }
}

// Router executes one task through the cheapest healthy provider able to
// serve it. Safe for concurrent use.
type Router struct {
	registry *Registry
	cache    *cache.Cache
	ledger   *ledger.Ledger
	buckets  *buckets

	defaultRPS    float64
	defaultBurst  int
	rateOverrides map[string]RateSpec
	cacheTTL      time.Duration
	nowFunc       func() time.Time
}

// New creates a Router over the given registry, cache, and ledger.
func New(reg *Registry, c *cache.Cache, led *ledger.Ledger, opts ...Option) *Router {
	r := &Router{
		registry:      reg,
		cache:         c,
		ledger:        led,
		defaultRPS:    1,
		defaultBurst:  2,
		rateOverrides: map[string]RateSpec{},
		cacheTTL:      defaultCacheTTL,
		nowFunc:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.buckets = newBuckets(r.defaultRPS, r.defaultBurst, r.rateOverrides)
	return r
}

// Route runs taskType/payload through providers in ascending tier order and
// returns the first success. Failed attempts are ledger-logged and skipped;
// when every attempt failed on authentication, one free-only retry pass
// (tier <= 1) runs before giving up.
func (r *Router) Route(ctx context.Context, taskType model.TaskType, payload model.Payload, opts Options) (*RouteResult, error) {
	key := cacheKey(taskType, payload)

	if !opts.SkipCache {
		if data, level := r.cache.Get(ctx, cacheNamespace, key); level != cache.Miss {
			r.ledger.Record(ledger.Entry{
				Module:     "router",
				Provider:   "cache",
				TaskType:   taskType,
				Success:    true,
				CacheLevel: string(level),
			})
			return &RouteResult{Data: data, Provider: "cache", CacheHit: true, CacheLevel: level}, nil
		}
	}

	res, authOnly, err := r.pass(ctx, taskType, payload, key, opts, opts.MaxTier, false)
	if err == nil {
		return res, nil
	}
	if authOnly {
		zap.L().Warn("router: all paid providers failed auth, retrying free-only",
			zap.String("task_type", string(taskType)))
		res, _, err = r.pass(ctx, taskType, payload, key, opts, freeTierCeiling, true)
		if err == nil {
			return res, nil
		}
	}
	return nil, eris.Wrapf(ErrProvidersExhausted, "task %s", taskType)
}

// pass runs one tier-ascending iteration. It reports whether every actual
// attempt (not skips) failed with an authentication error. The degraded
// pass is the last resort: it ignores health filtering and only honors
// credit exhaustion.
func (r *Router) pass(ctx context.Context, taskType model.TaskType, payload model.Payload, key string, opts Options, maxTier int, degraded bool) (*RouteResult, bool, error) {
	ceiling := maxTier
	if ceiling <= 0 {
		ceiling = -1
	}
	providers := r.registry.ForTask(taskType, ceiling)
	if len(providers) == 0 {
		return nil, false, eris.Wrapf(ErrProvidersExhausted, "task %s: no providers registered", taskType)
	}

	attempts := 0
	authFailures := 0
	for _, p := range providers {
		if credits := p.Credits(); credits != nil && *credits <= 0 {
			zap.L().Debug("router: provider skipped, credits exhausted",
				zap.String("provider", p.Name()))
			continue
		}
		if !degraded {
			if stats := r.ledger.ProviderHealth(p.Name()); stats.Calls >= unhealthyMinSamples &&
				stats.ErrorRate > unhealthyErrorRate {
				zap.L().Debug("router: provider skipped, unhealthy",
					zap.String("provider", p.Name()),
					zap.Float64("error_rate", stats.ErrorRate))
				continue
			}
		}
		if err := r.buckets.forProvider(p.Name()).acquire(ctx); err != nil {
			if errors.Is(err, ErrRateOverload) {
				zap.L().Debug("router: provider skipped, rate bucket saturated",
					zap.String("provider", p.Name()))
				continue
			}
			return nil, false, err // context cancelled while waiting
		}

		start := r.nowFunc()
		data, err := p.Execute(ctx, payload)
		elapsed := r.nowFunc().Sub(start).Milliseconds()

		entry := ledger.Entry{
			Module:     "router",
			Provider:   p.Name(),
			Tier:       p.Tier(),
			TaskType:   taskType,
			DurationMs: elapsed,
			Success:    err == nil,
		}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.CostEUR = p.CostPerCall()
		}
		r.ledger.Record(entry)

		attempts++
		if err != nil {
			var authErr *AuthError
			if errors.As(err, &authErr) {
				authFailures++
			}
			zap.L().Warn("router: provider failed",
				zap.String("provider", p.Name()),
				zap.Int("tier", p.Tier()),
				zap.Error(err))
			continue
		}

		if !opts.SkipCache {
			if cerr := r.cache.Set(ctx, cacheNamespace, key, data, r.cacheTTL); cerr != nil {
				zap.L().Warn("router: result cache write failed", zap.Error(cerr))
			}
		}
		return &RouteResult{
			Data:       data,
			Provider:   p.Name(),
			Tier:       p.Tier(),
			CostEUR:    p.CostPerCall(),
			DurationMs: elapsed,
		}, false, nil
	}

	authOnly := attempts > 0 && authFailures == attempts
	return nil, authOnly, eris.Wrapf(ErrProvidersExhausted, "task %s", taskType)
}

// cacheKey derives the deterministic result key for a task invocation.
func cacheKey(taskType model.TaskType, payload model.Payload) string {
	sum := sha256.Sum256([]byte(string(taskType) + "|" + payload.CacheKey()))
	return hex.EncodeToString(sum[:])
}
