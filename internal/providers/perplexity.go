package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/pkg/perplexity"
)

const searchSystemPrompt = `You are a web research assistant. Answer with a JSON array of objects, each {"url": string, "title": string, "snippet": string}, listing the most relevant pages for the query. No prose outside the JSON.`

// PerplexitySearch is the tier-3 AI-backed search adapter. It serves both
// plain search tasks, where it asks the model for relevant pages, and
// oracle tasks, where the caller supplies the full prompt.
type PerplexitySearch struct {
	client  perplexity.Client
	cost    float64
	credits *CreditMeter
}

// NewPerplexitySearch wraps a Perplexity client as a search/oracle provider.
func NewPerplexitySearch(client perplexity.Client, costEUR float64, credits *CreditMeter) *PerplexitySearch {
	return &PerplexitySearch{client: client, cost: costEUR, credits: credits}
}

func (p *PerplexitySearch) Name() string         { return "perplexity-search" }
func (p *PerplexitySearch) Tier() int            { return 3 }
func (p *PerplexitySearch) CostPerCall() float64 { return p.cost }
func (p *PerplexitySearch) Credits() *float64    { return p.credits.Remaining() }
func (p *PerplexitySearch) Tasks() []model.TaskType {
	return []model.TaskType{model.TaskSearch, model.TaskOracle}
}

func (p *PerplexitySearch) Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error) {
	var system, prompt string
	var maxTokens int
	switch {
	case payload.Search != nil:
		system = searchSystemPrompt
		prompt = payload.Search.Query
		if payload.Search.SiteFilter != "" {
			prompt += " site:" + payload.Search.SiteFilter
		}
	case payload.Chat != nil:
		system = payload.Chat.System
		prompt = payload.Chat.Prompt
		maxTokens = payload.Chat.MaxTokens
	default:
		return nil, eris.New("perplexity-search: payload is neither search nor chat")
	}

	req := perplexity.ChatCompletionRequest{
		Messages: []perplexity.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
	}
	if maxTokens > 0 {
		req.MaxTokens = &maxTokens
	}

	resp, err := p.client.ChatCompletion(ctx, req)
	if err != nil {
		var apiErr *perplexity.APIError
		if errors.As(err, &apiErr) && apiErr.AuthFailure() {
			return nil, &router.AuthError{Provider: p.Name(), Status: apiErr.StatusCode}
		}
		return nil, err
	}
	p.credits.Spend(p.cost)

	if len(resp.Choices) == 0 {
		return nil, eris.New("perplexity-search: completion has no choices")
	}

	var extracted json.RawMessage
	if err := perplexity.ExtractJSON(resp.Choices[0].Message.Content, &extracted); err != nil {
		return nil, err
	}
	return extracted, nil
}
