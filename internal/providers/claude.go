package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/pkg/anthropic"
	"github.com/sells-group/resolve-cli/pkg/perplexity"
)

const defaultOracleMaxTokens = 1024

// ClaudeSearch is the last-resort oracle adapter. It sits above every
// other provider so the router only reaches it when the oracle guard has
// already approved the spend.
type ClaudeSearch struct {
	client  anthropic.Client
	model   string
	cost    float64
	credits *CreditMeter
}

// NewClaudeSearch wraps an Anthropic client as an oracle provider.
func NewClaudeSearch(client anthropic.Client, modelID string, costEUR float64, credits *CreditMeter) *ClaudeSearch {
	return &ClaudeSearch{client: client, model: modelID, cost: costEUR, credits: credits}
}

func (p *ClaudeSearch) Name() string            { return "claude-search" }
func (p *ClaudeSearch) Tier() int               { return 4 }
func (p *ClaudeSearch) CostPerCall() float64    { return p.cost }
func (p *ClaudeSearch) Credits() *float64       { return p.credits.Remaining() }
func (p *ClaudeSearch) Tasks() []model.TaskType { return []model.TaskType{model.TaskOracle} }

func (p *ClaudeSearch) Execute(ctx context.Context, payload model.Payload) (json.RawMessage, error) {
	chat := payload.Chat
	if chat == nil {
		return nil, eris.New("claude-search: payload is not a chat completion")
	}

	maxTokens := int64(chat.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultOracleMaxTokens
	}

	req := anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{
			{Role: "user", Content: chat.Prompt},
		},
	}
	if chat.System != "" {
		req.System = anthropic.BuildCachedSystemBlocks(chat.System)
	}

	resp, err := p.client.CreateMessage(ctx, req)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) &&
			(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, &router.AuthError{Provider: p.Name(), Status: apiErr.StatusCode}
		}
		return nil, err
	}
	p.credits.Spend(p.cost)
	resp.Usage.LogCost(p.model, "oracle_search")

	text := resp.FirstText()
	if text == "" {
		return nil, eris.New("claude-search: completion has no text content")
	}

	var extracted json.RawMessage
	if err := perplexity.ExtractJSON(text, &extracted); err != nil {
		return nil, err
	}
	return extracted, nil
}
