package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/pkg/jina"
)

// jinaAuthError converts a typed Jina credential rejection into the
// router's auth error; everything else passes through untouched.
func jinaAuthError(name string, err error) error {
	var apiErr *jina.APIError
	if errors.As(err, &apiErr) && apiErr.AuthFailure() {
		return &router.AuthError{Provider: name, Status: apiErr.StatusCode}
	}
	return err
}

// JinaSearch is the paid tier-2 web search adapter.
type JinaSearch struct {
	client  serpClientJina
	cost    float64
	credits *CreditMeter
}

// serpClientJina is the slice of the Jina client the search adapter uses.
type serpClientJina interface {
	Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error)
}

// NewJinaSearch wraps a Jina client as a search provider. A nil meter
// means the account is treated as unmetered.
func NewJinaSearch(client jina.Client, costEUR float64, credits *CreditMeter) *JinaSearch {
	return &JinaSearch{client: client, cost: costEUR, credits: credits}
}

func (p *JinaSearch) Name() string            { return "jina-search" }
func (p *JinaSearch) Tier() int               { return 2 }
func (p *JinaSearch) CostPerCall() float64    { return p.cost }
func (p *JinaSearch) Credits() *float64       { return p.credits.Remaining() }
func (p *JinaSearch) Tasks() []model.TaskType { return []model.TaskType{model.TaskSearch} }

func (p *JinaSearch) Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error) {
	q := payload.Search
	if q == nil {
		return nil, eris.New("jina-search: payload is not a search query")
	}

	var opts []jina.SearchOption
	if q.SiteFilter != "" {
		opts = append(opts, jina.WithSiteFilter(q.SiteFilter))
	}

	resp, err := p.client.Search(ctx, q.Query, opts...)
	if err != nil {
		return nil, jinaAuthError(p.Name(), err)
	}
	p.credits.Spend(p.cost)

	limit := len(resp.Data)
	if q.MaxResults > 0 && q.MaxResults < limit {
		limit = q.MaxResults
	}
	results := make([]model.SearchResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = model.SearchResult{
			Title:   resp.Data[i].Title,
			URL:     resp.Data[i].URL,
			Snippet: resp.Data[i].Description,
		}
	}
	return json.Marshal(results)
}

// JinaRender is the paid tier-2 page rendering adapter. The verification
// gate uses it to read pages without spinning up a local browser.
type JinaRender struct {
	client  readClientJina
	cost    float64
	credits *CreditMeter
}

// readClientJina is the slice of the Jina client the render adapter uses.
type readClientJina interface {
	Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error)
}

// NewJinaRender wraps a Jina client as a render provider.
func NewJinaRender(client jina.Client, costEUR float64, credits *CreditMeter) *JinaRender {
	return &JinaRender{client: client, cost: costEUR, credits: credits}
}

func (p *JinaRender) Name() string            { return "jina-render" }
func (p *JinaRender) Tier() int               { return 2 }
func (p *JinaRender) CostPerCall() float64    { return p.cost }
func (p *JinaRender) Credits() *float64       { return p.credits.Remaining() }
func (p *JinaRender) Tasks() []model.TaskType { return []model.TaskType{model.TaskRender} }

func (p *JinaRender) Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error) {
	r := payload.Render
	if r == nil {
		return nil, eris.New("jina-render: payload is not a render request")
	}

	resp, err := p.client.Read(ctx, r.URL)
	if err != nil {
		return nil, jinaAuthError(p.Name(), err)
	}
	p.credits.Spend(p.cost)

	return json.Marshal(model.RenderResult{
		URL:     resp.Data.URL,
		Title:   resp.Data.Title,
		Content: resp.Data.Content,
		Tokens:  resp.Data.Usage.Tokens,
	})
}
