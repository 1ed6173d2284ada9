package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/breaker"
	"github.com/sells-group/resolve-cli/internal/browser"
	"github.com/sells-group/resolve-cli/internal/cache"
	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/oracle"
	"github.com/sells-group/resolve-cli/internal/pipeline"
	"github.com/sells-group/resolve-cli/internal/providers"
	"github.com/sells-group/resolve-cli/internal/registry"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/internal/search"
	"github.com/sells-group/resolve-cli/internal/valve"
	"github.com/sells-group/resolve-cli/internal/verify"
	anthropicpkg "github.com/sells-group/resolve-cli/pkg/anthropic"
	"github.com/sells-group/resolve-cli/pkg/jina"
	"github.com/sells-group/resolve-cli/pkg/perplexity"
	"github.com/sells-group/resolve-cli/pkg/serp"
)

// resolverEnv is the assembled engine: every shared component behind the
// per-record processor, plus the handles shutdown needs.
type resolverEnv struct {
	Ledger    *ledger.Ledger
	Cache     *cache.Cache
	Registry  *registry.Store
	Providers *router.Registry
	Router    *router.Router
	Valve     *valve.Valve
	Breaker   *breaker.Breaker
	Pool      *browser.Pool
	Processor *pipeline.Processor

	remote *cache.PGStore
}

// initResolver builds the full engine from the loaded config. Optional
// subsystems (remote cache, browser pool, paid providers) are skipped when
// unconfigured; the engine still runs on the free tier alone.
func initResolver(ctx context.Context) (*resolverEnv, error) {
	env := &resolverEnv{}

	// Cost ledger, with the durable JSONL audit trail.
	ledgerOpts := []ledger.Option{ledger.WithRingSize(cfg.Ledger.RingSize)}
	if cfg.Ledger.Path != "" {
		w, err := ledger.NewWriter(cfg.Ledger.Path,
			ledger.WithBatchSize(cfg.Ledger.FlushBatch),
			ledger.WithFlushInterval(time.Duration(cfg.Ledger.FlushIntervalSecs)*time.Second))
		if err != nil {
			return nil, eris.Wrap(err, "init ledger writer")
		}
		ledgerOpts = append(ledgerOpts, ledger.WithWriter(w))
	}
	env.Ledger = ledger.New(ledgerOpts...)

	// Two-level cache. A failed remote connection degrades to L1-only.
	if cfg.Cache.DatabaseURL != "" {
		remote, err := cache.NewPGStore(ctx, cfg.Cache.DatabaseURL)
		if err != nil {
			zap.L().Warn("remote cache unavailable, running L1-only", zap.Error(err))
		} else {
			env.remote = remote
		}
	}
	var remoteStore cache.RemoteStore
	if env.remote != nil {
		remoteStore = env.remote
	}
	env.Cache = cache.New(remoteStore,
		cache.WithMaxEntries(cfg.Cache.L1MaxEntries),
		cache.WithMaxBytes(cfg.Cache.L1MaxBytes),
		cache.WithTTLCeiling(time.Duration(cfg.Cache.L1TTLCeilingSecs)*time.Second))

	// Local business registry.
	reg, err := registry.Open(cfg.Registry.DBPath)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "open registry")
	}
	env.Registry = reg
	if err := reg.Migrate(ctx); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "migrate registry")
	}
	if cfg.Registry.SeedPath != "" {
		f, err := os.Open(cfg.Registry.SeedPath)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open registry seed")
		}
		_, err = reg.LoadSeed(ctx, f)
		f.Close()
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "load registry seed")
		}
	}

	// Provider adapters, cheapest first. The anonymous SERP client is
	// always present; paid vendors register only with a key.
	env.Providers = router.NewRegistry()
	env.Providers.Register(providers.NewDDGSerp(
		serp.NewClient(serp.WithBaseURL(cfg.Serp.BaseURL))))

	if cfg.Jina.Key != "" {
		meter := providers.NewCreditMeter(cfg.Jina.CreditsEUR)
		jc := jina.NewClient(cfg.Jina.Key,
			jina.WithBaseURL(cfg.Jina.BaseURL),
			jina.WithSearchBaseURL(cfg.Jina.SearchBaseURL))
		env.Providers.Register(providers.NewJinaSearch(jc, cfg.Jina.CostEUR, meter))
		env.Providers.Register(providers.NewJinaRender(jc, cfg.Jina.CostEUR, meter))
	}
	if cfg.Perplexity.Key != "" {
		pc := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model))
		env.Providers.Register(providers.NewPerplexitySearch(pc, cfg.Perplexity.CostEUR,
			providers.NewCreditMeter(cfg.Perplexity.CreditsEUR)))
	}
	if cfg.Anthropic.Key != "" {
		ac := anthropicpkg.NewClient(cfg.Anthropic.Key)
		env.Providers.Register(providers.NewClaudeSearch(ac, cfg.Anthropic.Model,
			cfg.Anthropic.CostEUR, providers.NewCreditMeter(cfg.Anthropic.CreditsEUR)))
	}

	env.Router = router.New(env.Providers, env.Cache, env.Ledger)

	vcfg := valve.DefaultConfig()
	vcfg.MinConcurrency = cfg.Valve.MinConcurrency
	vcfg.MaxConcurrency = cfg.Valve.MaxConcurrency
	vcfg.MaxQueueDepth = cfg.Valve.QueueCeiling
	env.Valve = valve.New(vcfg, env.Ledger)
	env.Valve.Start()

	env.Breaker = breaker.New(env.Ledger, env.Valve,
		breaker.WithCostCeiling(cfg.Breaker.CostCeilingEUR),
		breaker.WithDwell(time.Duration(cfg.Breaker.DwellMins)*time.Minute),
		breaker.WithQueueSaturation(cfg.Breaker.QueueThreshold),
		breaker.WithSafeConcurrency(cfg.Breaker.SafeConcurrency))

	var gateOpts []verify.Option
	if cfg.Browser.Enabled {
		env.Pool = browser.NewPool(browser.Config{
			MaxInstances:   cfg.Browser.MaxInstances,
			RequestQuota:   cfg.Browser.RequestQuota,
			AcquireTimeout: time.Duration(cfg.Browser.AcquireTimeoutSecs) * time.Second,
			NavTimeout:     time.Duration(cfg.Browser.NavTimeoutSecs) * time.Second,
		}, env.Ledger)
		gateOpts = append(gateOpts, verify.WithRenderer(env.Pool))
	}
	gate := verify.New(env.Router, env.Cache, env.Ledger, gateOpts...)

	guard := oracle.New(env.Cache)
	searcher := search.New(env.Router, nil)

	env.Processor = pipeline.New(pipeline.Config{
		QualityFloor:   cfg.Pipeline.QualityFloor,
		TrustTier:      cfg.Pipeline.TrustTier,
		BleedingTier:   cfg.Pipeline.BleedingTier,
		OracleDisabled: cfg.Pipeline.OracleDisabled,
	}, env.Breaker, env.Registry, gate, searcher, guard, env.Router, env.Valve)

	zap.L().Info("engine assembled",
		zap.Int("providers", env.Providers.Len()),
		zap.Bool("remote_cache", env.remote != nil),
		zap.Bool("browser", env.Pool != nil))
	return env, nil
}

// Close tears the engine down in dependency order.
func (e *resolverEnv) Close() {
	if e.Valve != nil {
		e.Valve.Close()
	}
	if e.Pool != nil {
		e.Pool.DestroyAll()
	}
	if e.Registry != nil {
		_ = e.Registry.Close()
	}
	if e.Ledger != nil {
		_ = e.Ledger.Close()
	}
	if e.remote != nil {
		e.remote.Close()
	}
}
