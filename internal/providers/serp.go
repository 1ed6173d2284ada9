package providers

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/pkg/serp"
)

// DDGSerp is the zero-cost anonymous search adapter. It sits at tier 0 so
// the router always tries it before anything paid.
type DDGSerp struct {
	client serp.Client
}

// NewDDGSerp wraps an anonymous SERP client.
func NewDDGSerp(client serp.Client) *DDGSerp {
	return &DDGSerp{client: client}
}

func (p *DDGSerp) Name() string            { return "ddg-serp" }
func (p *DDGSerp) Tier() int               { return 0 }
func (p *DDGSerp) CostPerCall() float64    { return 0 }
func (p *DDGSerp) Credits() *float64       { return nil }
func (p *DDGSerp) Tasks() []model.TaskType { return []model.TaskType{model.TaskSearch} }

func (p *DDGSerp) Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error) {
	q := payload.Search
	if q == nil {
		return nil, eris.New("ddg-serp: payload is not a search query")
	}

	query := q.Query
	if q.SiteFilter != "" {
		query += " site:" + q.SiteFilter
	}

	var opts []serp.SearchOption
	if q.MaxResults > 0 {
		opts = append(opts, serp.WithMaxResults(q.MaxResults))
	}

	hits, err := p.client.Search(ctx, query, opts...)
	if err != nil {
		return nil, err
	}

	results := make([]model.SearchResult, len(hits))
	for i, h := range hits {
		results[i] = model.SearchResult{
			Title:   h.Title,
			URL:     h.URL,
			Snippet: h.Snippet,
		}
	}
	return json.Marshal(results)
}
