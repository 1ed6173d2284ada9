package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/search"
)

// enrich runs the two secondary lookups concurrently once a website is
// accepted. Each one fails independently: a panic or empty outcome nulls
// its block and never touches the record's terminal status.
func (p *Processor) enrich(ctx context.Context, res *model.ResolveResult, id string, norm model.NormalizedRecord, bleeding bool, registryHits []model.SearchResult) {
	opts := search.Options{}
	if bleeding {
		opts.MaxTier = p.cfg.BleedingTier
	}

	g, gctx := errgroup.WithContext(ctx)
	var fin *model.FinancialBlock
	var dm *model.DecisionMakerBlock

	g.Go(func() error {
		defer recoverEnrichment("financial")
		fin = p.financialLead(gctx, id, norm, opts, registryHits)
		return nil
	})
	g.Go(func() error {
		defer recoverEnrichment("decision_maker")
		dm = p.decisionMaker(gctx, id, norm, opts)
		return nil
	})
	_ = g.Wait()

	res.Financial = fin
	res.DecisionMaker = dm
}

func recoverEnrichment(name string) {
	if r := recover(); r != nil {
		zap.L().Warn("pipeline: enrichment panicked", zap.String("enrichment", name), zap.Any("panic", r))
	}
}

// financialLead reuses stage-5 registry hits when available, otherwise
// runs one financial-filing search. First hit wins.
func (p *Processor) financialLead(ctx context.Context, id string, norm model.NormalizedRecord, opts search.Options, registryHits []model.SearchResult) *model.FinancialBlock {
	if len(registryHits) > 0 {
		return &model.FinancialBlock{
			DocumentURL: registryHits[0].URL,
			Source:      model.LayerRegistrySearch,
		}
	}

	out := p.searcher.Search(ctx, id, norm, search.FinancialFiling, opts)
	if len(out.Results) == 0 {
		return nil
	}
	return &model.FinancialBlock{
		DocumentURL: out.Results[0].URL,
		Source:      string(search.FinancialFiling),
	}
}

// decisionMaker drains the professional-network side buffer filled by
// earlier searches; when empty it runs one targeted search. The top-scored
// profile wins.
func (p *Processor) decisionMaker(ctx context.Context, id string, norm model.NormalizedRecord, opts search.Options) *model.DecisionMakerBlock {
	hits := p.searcher.Buffer().Drain(id)
	if len(hits) == 0 {
		out := p.searcher.Search(ctx, id, norm, search.ProfessionalNetwork, opts)
		hits = out.Results
	}
	if len(hits) == 0 {
		return nil
	}

	top := hits[0]
	for _, h := range hits[1:] {
		if h.Score > top.Score {
			top = h
		}
	}
	return &model.DecisionMakerBlock{
		Name:       profileName(top.Title),
		ProfileURL: top.URL,
		Score:      top.Score,
	}
}

// profileName strips platform decoration from a profile result title,
// e.g. "Mario Rossi - Titolare - Rossi Impianti | LinkedIn" -> "Mario Rossi".
func profileName(title string) string {
	if i := strings.Index(title, "|"); i >= 0 {
		title = title[:i]
	}
	if i := strings.Index(title, " - "); i >= 0 {
		title = title[:i]
	}
	return strings.TrimSpace(title)
}
