// Package pipeline is the per-record orchestrator: a staged discovery
// waterfall from free local lookups up to the AI oracle, followed by
// concurrent enrichment once a website is accepted. One record's failure
// never aborts the batch; panics become ERROR results.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/normalize"
	"github.com/sells-group/resolve-cli/internal/oracle"
	"github.com/sells-group/resolve-cli/internal/registry"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/internal/search"
	"github.com/sells-group/resolve-cli/internal/valve"
	"github.com/sells-group/resolve-cli/internal/verify"
)

// Verifier is the slice of the verification gate the pipeline needs.
type Verifier interface {
	Verify(ctx context.Context, candidateURL string, rec model.NormalizedRecord, opts verify.Options) verify.Outcome
}

// Searcher is the slice of the search deduplicator the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, id string, rec model.NormalizedRecord, target search.Target, opts search.Options) *search.Outcome
	Buffer() *search.Buffer
}

// Guard decides whether a record may escalate to the oracle.
type Guard interface {
	Evaluate(ctx context.Context, fingerprint string, c oracle.Conditions) oracle.Outcome
}

// TaskRouter issues the single oracle call when the guard approves.
type TaskRouter interface {
	Route(ctx context.Context, taskType model.TaskType, payload model.Payload, opts router.Options) (*router.RouteResult, error)
}

// RegistryStore is the local business registry lookup.
type RegistryStore interface {
	Lookup(ctx context.Context, name, province string) (*registry.Entry, bool)
}

// BleedSource reports whether the circuit breaker is open.
type BleedSource interface {
	Bleeding() bool
}

// QueueSource exposes valve metrics for the oracle saturation check.
type QueueSource interface {
	Metrics() valve.Metrics
}

// Config tunes the orchestrator.
type Config struct {
	// QualityFloor terminates records below this normalization score
	// before any external call.
	QualityFloor float64
	// TrustTier is the minimum provider tier whose oracle answers are
	// accepted at reduced confidence when the gate cannot confirm them.
	TrustTier int
	// BleedingTier caps search provider tier while the breaker is open.
	BleedingTier int
	// OracleDisabled switches stage 6 off entirely.
	OracleDisabled bool
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		QualityFloor: 0.30,
		TrustTier:    3,
		BleedingTier: 1,
	}
}

// Option configures the Processor.
type Option func(*Processor)

// WithNowFunc injects a clock for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Processor) { p.nowFunc = now }
}

// Processor runs the resolution waterfall for one record at a time.
type Processor struct {
	cfg      Config
	breaker  BleedSource
	registry RegistryStore
	gate     Verifier
	searcher Searcher
	guard    Guard
	router   TaskRouter
	valve    QueueSource
	nowFunc  func() time.Time
}

// New creates a Processor with explicit dependencies.
func New(
	cfg Config,
	breaker BleedSource,
	reg RegistryStore,
	gate Verifier,
	searcher Searcher,
	guard Guard,
	tr TaskRouter,
	v QueueSource,
	opts ...Option,
) *Processor {
	p := &Processor{
		cfg:      cfg,
		breaker:  breaker,
		registry: reg,
		gate:     gate,
		searcher: searcher,
		guard:    guard,
		router:   tr,
		valve:    v,
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// accepted carries a winning candidate through result assembly.
type accepted struct {
	url        string
	confidence float64
	layers     []string
}

// Process resolves one record. It always returns a result; panics anywhere
// in the stage chain become an ERROR result for this record only.
func (p *Processor) Process(ctx context.Context, rec model.Record, index int) (res *model.ResolveResult) {
	start := p.nowFunc()
	log := zap.L().With(zap.String("record", rec.ID), zap.Int("index", index))

	res = &model.ResolveResult{Input: rec, Status: model.StatusNotFound}
	var stages []string

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline: recovered panic", zap.Any("panic", r))
			res = &model.ResolveResult{Input: rec, Status: model.StatusError}
			res.Meta.Error = fmt.Sprintf("panic: %v", r)
		}
		res.Meta.Stages = stages
		res.Meta.DurationMs = p.nowFunc().Sub(start).Milliseconds()
		res.Meta.Timestamp = p.nowFunc()
	}()

	bleeding := p.breaker.Bleeding()
	gateOpts := verify.Options{}
	if bleeding {
		gateOpts.MaxTier = p.cfg.BleedingTier
	}
	norm := normalize.Normalize(rec)
	if norm.QualityScore < p.cfg.QualityFloor {
		log.Info("pipeline: below quality floor",
			zap.Float64("score", norm.QualityScore),
			zap.Float64("floor", p.cfg.QualityFloor))
		return res
	}

	var win *accepted
	bestConf := 0.0

	// Stage 1: local registry, no network.
	stages = append(stages, model.LayerRegistryLookup)
	if entry, ok := p.registry.Lookup(ctx, norm.Name, norm.Province); ok {
		norm.TaxID = entry.TaxID
		if entry.Domain != "" {
			win = p.verifyCandidate(ctx, "https://"+entry.Domain, model.LayerRegistryLookup, norm, gateOpts, &bestConf)
		}
	}

	// Stage 2: email-derived domain.
	if win == nil && norm.EmailDomain != "" {
		stages = append(stages, model.LayerEmailDomain)
		win = p.verifyCandidate(ctx, "https://www."+norm.EmailDomain, model.LayerEmailDomain, norm, gateOpts, &bestConf)
	}

	// Stage 3: domain guess from the cleaned name.
	if win == nil {
		stages = append(stages, model.LayerDomainGuess)
		for _, guess := range domainGuesses(norm) {
			if win = p.verifyCandidate(ctx, guess, model.LayerDomainGuess, norm, gateOpts, &bestConf); win != nil {
				break
			}
		}
	}

	// Stage 4: company-site search, free-only while bleeding.
	if win == nil {
		stages = append(stages, model.LayerSerpSearch)
		opts := search.Options{}
		if bleeding {
			opts.MaxTier = p.cfg.BleedingTier
		}
		out := p.searcher.Search(ctx, rec.ID, norm, search.CompanySite, opts)
		for _, hit := range out.Results {
			if win = p.verifyCandidate(ctx, hit.URL, model.LayerSerpSearch, norm, gateOpts, &bestConf); win != nil {
				break
			}
		}
	}

	// Stage 5: registry search, skipped entirely while bleeding.
	var registryHits []model.SearchResult
	if win == nil && !bleeding {
		stages = append(stages, model.LayerRegistrySearch)
		out := p.searcher.Search(ctx, rec.ID, norm, search.Registry, search.Options{})
		registryHits = out.Results
		for _, hit := range out.Results {
			if win = p.verifyCandidate(ctx, hit.URL, model.LayerRegistrySearch, norm, gateOpts, &bestConf); win != nil {
				break
			}
		}
	}

	// Stage 6: oracle, gated.
	if win == nil && !p.cfg.OracleDisabled {
		cond := oracle.Conditions{
			BestConfidence: bestConf,
			HasIdentifier:  norm.TaxID != "",
			HasName:        len(normalize.StripLegalSuffix(norm.Name)) >= 3,
			HasAddress:     norm.Address != "",
			HasPhone:       norm.Phone != "",
			Bleeding:       bleeding,
			QueueDepth:     p.valve.Metrics().QueueDepth,
		}
		verdict := p.guard.Evaluate(ctx, norm.Fingerprint(), cond)
		if verdict.Decision == oracle.Approved {
			stages = append(stages, model.LayerOracle)
			win = p.oracleSearch(ctx, rec.ID, norm, gateOpts, &bestConf, log)
		} else {
			log.Debug("pipeline: oracle skipped", zap.String("reason", verdict.Reason))
		}
	}

	if win != nil {
		res.Status = model.StatusFound
		res.Website = &model.WebsiteBlock{
			URL:        win.url,
			Confidence: win.confidence,
			Layers:     win.layers,
		}
		p.enrich(ctx, res, rec.ID, norm, bleeding, registryHits)
	}
	return res
}

// verifyCandidate runs the gate on one URL and converts a pass into an
// accepted candidate. bestConf tracks the strongest outcome seen for the
// oracle guard's existing-candidate check.
func (p *Processor) verifyCandidate(ctx context.Context, candidateURL, layer string, rec model.NormalizedRecord, gateOpts verify.Options, bestConf *float64) *accepted {
	out := p.gate.Verify(ctx, candidateURL, rec, gateOpts)
	if out.Confidence > *bestConf {
		*bestConf = out.Confidence
	}
	switch out.Status {
	case verify.Verified, verify.VerifiedSemantic:
		return &accepted{
			url:        candidateURL,
			confidence: out.Confidence,
			layers:     []string{layer, out.Method},
		}
	default:
		return nil
	}
}

// domainGuesses builds candidate URLs from the suffix-stripped name:
// compact first ("rossiimpianti.it"), hyphenated second. Small Italian
// businesses overwhelmingly sit on .it.
func domainGuesses(rec model.NormalizedRecord) []string {
	slug := normalize.Slug(rec.Name)
	if slug == "" {
		return nil
	}
	compact := ""
	for _, r := range slug {
		if r != '-' {
			compact += string(r)
		}
	}
	guesses := []string{"https://www." + compact + ".it"}
	if compact != slug {
		guesses = append(guesses, "https://www."+slug+".it")
	}
	return guesses
}

const oracleSystemPrompt = `You locate the official website of Italian businesses. Answer with a JSON array of objects {"url": string, "title": string, "score": number in [0,1]} ordered by likelihood, at most 3 entries. Only include URLs you believe belong to the business itself. No prose outside the JSON.`

// oracleSearch issues the single approved oracle call and verifies each
// returned URL. When the gate cannot confirm any of them but the answering
// provider sits at or above the trust tier, the top answer is accepted at
// oracle-trust confidence. Parked domains are never trust-accepted.
func (p *Processor) oracleSearch(ctx context.Context, id string, norm model.NormalizedRecord, gateOpts verify.Options, bestConf *float64, log *zap.Logger) *accepted {
	payload := model.Payload{Chat: &model.ChatCompletion{
		System:    oracleSystemPrompt,
		Prompt:    oraclePrompt(norm),
		MaxTokens: 1024,
	}}

	routed, err := p.router.Route(ctx, model.TaskOracle, payload, router.Options{CompanyID: id})
	if err != nil {
		log.Warn("pipeline: oracle search failed", zap.Error(err))
		return nil
	}

	hits := parseOracleHits(routed.Data)
	var trustURL string
	for _, h := range hits {
		if h.URL == "" {
			continue
		}
		out := p.gate.Verify(ctx, h.URL, norm, gateOpts)
		if out.Confidence > *bestConf {
			*bestConf = out.Confidence
		}
		switch out.Status {
		case verify.Verified, verify.VerifiedSemantic:
			return &accepted{
				url:        h.URL,
				confidence: out.Confidence,
				layers:     []string{model.LayerOracle, out.Method},
			}
		case verify.Parked:
		default:
			if trustURL == "" {
				trustURL = h.URL
			}
		}
	}

	if trustURL != "" && routed.Tier >= p.cfg.TrustTier {
		log.Info("pipeline: semantic-trust acceptance",
			zap.String("url", trustURL),
			zap.String("provider", routed.Provider),
			zap.Int("tier", routed.Tier))
		return &accepted{
			url:        trustURL,
			confidence: model.ConfidenceOracle,
			layers:     []string{model.LayerOracle, model.MatchOracle},
		}
	}
	return nil
}

// parseOracleHits accepts either an array of results or a single object.
func parseOracleHits(data json.RawMessage) []model.SearchResult {
	var hits []model.SearchResult
	if err := json.Unmarshal(data, &hits); err == nil {
		return hits
	}
	var one model.SearchResult
	if err := json.Unmarshal(data, &one); err == nil && one.URL != "" {
		return []model.SearchResult{one}
	}
	return nil
}

func oraclePrompt(norm model.NormalizedRecord) string {
	prompt := "Find the official website of: " + norm.Name
	if norm.City != "" {
		prompt += ", " + norm.City
	}
	if norm.Province != "" {
		prompt += " (" + norm.Province + ")"
	}
	if norm.Address != "" {
		prompt += ", " + norm.Address
	}
	if norm.Phone != "" {
		prompt += ", tel " + norm.Phone
	}
	if norm.TaxID != "" {
		prompt += ", partita IVA " + norm.TaxID
	}
	return prompt
}
