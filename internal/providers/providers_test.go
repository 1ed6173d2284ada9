package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/router"
	"github.com/sells-group/resolve-cli/pkg/anthropic"
	"github.com/sells-group/resolve-cli/pkg/jina"
	"github.com/sells-group/resolve-cli/pkg/perplexity"
	"github.com/sells-group/resolve-cli/pkg/serp"
)

// --- fakes ---

type fakeSerp struct {
	gotQuery string
	hits     []serp.Result
	err      error
}

func (f *fakeSerp) Search(_ context.Context, query string, _ ...serp.SearchOption) ([]serp.Result, error) {
	f.gotQuery = query
	return f.hits, f.err
}

type fakeJinaSearch struct {
	resp *jina.SearchResponse
	err  error
}

func (f *fakeJinaSearch) Search(_ context.Context, _ string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	return f.resp, f.err
}

type fakeJinaRead struct {
	resp *jina.ReadResponse
	err  error
}

func (f *fakeJinaRead) Read(_ context.Context, _ string) (*jina.ReadResponse, error) {
	return f.resp, f.err
}

type fakePerplexity struct {
	gotReq perplexity.ChatCompletionRequest
	resp   *perplexity.ChatCompletionResponse
	err    error
}

func (f *fakePerplexity) ChatCompletion(_ context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

type fakeClaude struct {
	gotReq anthropic.MessageRequest
	resp   *anthropic.MessageResponse
	err    error
}

func (f *fakeClaude) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.gotReq = req
	return f.resp, f.err
}

func searchPayload(query, site string) model.Payload {
	return model.Payload{Search: &model.SearchQuery{Query: query, SiteFilter: site}}
}

// --- ddg-serp ---

func TestDDGSerp_MapsResults(t *testing.T) {
	fake := &fakeSerp{hits: []serp.Result{
		{Title: "Rossi Impianti", URL: "https://rossiimpianti.it", Snippet: "impianti elettrici"},
		{Title: "Visura", URL: "https://ufficiocamerale.it/rossi"},
	}}
	p := NewDDGSerp(fake)

	raw, err := p.Execute(context.Background(), searchPayload("rossi impianti milano", ""))
	require.NoError(t, err)

	var results []model.SearchResult
	require.NoError(t, json.Unmarshal(raw, &results))
	require.Len(t, results, 2)
	assert.Equal(t, "https://rossiimpianti.it", results[0].URL)
	assert.Equal(t, "impianti elettrici", results[0].Snippet)
}

func TestDDGSerp_SiteFilterAppended(t *testing.T) {
	fake := &fakeSerp{}
	p := NewDDGSerp(fake)

	_, err := p.Execute(context.Background(), searchPayload("rossi", "linkedin.com"))
	require.NoError(t, err)
	assert.Equal(t, "rossi site:linkedin.com", fake.gotQuery)
}

func TestDDGSerp_WrongPayload(t *testing.T) {
	p := NewDDGSerp(&fakeSerp{})
	_, err := p.Execute(context.Background(), model.Payload{Render: &model.RenderRequest{URL: "https://a.it"}})
	require.Error(t, err)
}

func TestDDGSerp_Identity(t *testing.T) {
	p := NewDDGSerp(&fakeSerp{})
	assert.Equal(t, "ddg-serp", p.Name())
	assert.Equal(t, 0, p.Tier())
	assert.Zero(t, p.CostPerCall())
	assert.Nil(t, p.Credits())
	assert.Equal(t, []model.TaskType{model.TaskSearch}, p.Tasks())
}

// --- jina ---

func TestJinaSearch_MapsResults(t *testing.T) {
	fake := &fakeJinaSearch{resp: &jina.SearchResponse{
		Code: 200,
		Data: []jina.SearchResult{
			{Title: "Bianchi Costruzioni", URL: "https://bianchicostruzioni.it", Description: "edilizia civile"},
		},
	}}
	p := &JinaSearch{client: fake, cost: 0.004, credits: NewCreditMeter(1.0)}

	raw, err := p.Execute(context.Background(), searchPayload("bianchi costruzioni", ""))
	require.NoError(t, err)

	var results []model.SearchResult
	require.NoError(t, json.Unmarshal(raw, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "edilizia civile", results[0].Snippet)

	require.NotNil(t, p.Credits())
	assert.InDelta(t, 0.996, *p.Credits(), 1e-9)
}

func TestJinaSearch_MaxResultsTruncates(t *testing.T) {
	fake := &fakeJinaSearch{resp: &jina.SearchResponse{Data: []jina.SearchResult{
		{URL: "https://a.it"}, {URL: "https://b.it"}, {URL: "https://c.it"},
	}}}
	p := &JinaSearch{client: fake, cost: 0.004}

	raw, err := p.Execute(context.Background(), model.Payload{
		Search: &model.SearchQuery{Query: "x", MaxResults: 2},
	})
	require.NoError(t, err)

	var results []model.SearchResult
	require.NoError(t, json.Unmarshal(raw, &results))
	assert.Len(t, results, 2)
}

func TestJinaSearch_AuthFailureIsTyped(t *testing.T) {
	fake := &fakeJinaSearch{err: &jina.APIError{StatusCode: 401, Body: "bad key"}}
	p := &JinaSearch{client: fake, cost: 0.004}

	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	var authErr *router.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "jina-search", authErr.Provider)
	assert.Equal(t, 401, authErr.Status)
}

func TestJinaSearch_NonAuthErrorPassesThrough(t *testing.T) {
	fake := &fakeJinaSearch{err: &jina.APIError{StatusCode: 500, Body: "upstream"}}
	p := &JinaSearch{client: fake, cost: 0.004}

	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	require.Error(t, err)
	var authErr *router.AuthError
	assert.False(t, errors.As(err, &authErr))
}

func TestJinaRender_MapsContent(t *testing.T) {
	fake := &fakeJinaRead{resp: &jina.ReadResponse{
		Code: 200,
		Data: jina.ReadData{
			Title:   "Rossi Impianti - Home",
			URL:     "https://rossiimpianti.it",
			Content: "# Rossi Impianti\nP.IVA 01234567890",
			Usage:   jina.ReadUsage{Tokens: 120},
		},
	}}
	p := &JinaRender{client: fake, cost: 0.004, credits: NewCreditMeter(0.5)}

	raw, err := p.Execute(context.Background(), model.Payload{
		Render: &model.RenderRequest{URL: "https://rossiimpianti.it"},
	})
	require.NoError(t, err)

	var rendered model.RenderResult
	require.NoError(t, json.Unmarshal(raw, &rendered))
	assert.Contains(t, rendered.Content, "01234567890")
	assert.Equal(t, 120, rendered.Tokens)
}

func TestJinaRender_WrongPayload(t *testing.T) {
	p := &JinaRender{client: &fakeJinaRead{}, cost: 0.004}
	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	require.Error(t, err)
}

// --- perplexity ---

func completionWith(content string) *perplexity.ChatCompletionResponse {
	return &perplexity.ChatCompletionResponse{
		ID:      "cmpl-1",
		Choices: []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: content}}},
	}
}

func TestPerplexitySearch_ExtractsJSONFromProse(t *testing.T) {
	fake := &fakePerplexity{resp: completionWith(
		`I found these pages:
[{"url": "https://rossiimpianti.it", "title": "Rossi Impianti"}]
Hope that helps.`)}
	p := NewPerplexitySearch(fake, 0.006, NewCreditMeter(2.0))

	raw, err := p.Execute(context.Background(), searchPayload("rossi impianti", ""))
	require.NoError(t, err)

	var results []model.SearchResult
	require.NoError(t, json.Unmarshal(raw, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "https://rossiimpianti.it", results[0].URL)

	assert.Len(t, fake.gotReq.Messages, 2)
	assert.Equal(t, "system", fake.gotReq.Messages[0].Role)
}

func TestPerplexitySearch_OraclePayloadUsesCallerPrompt(t *testing.T) {
	fake := &fakePerplexity{resp: completionWith(`{"url": "https://bianchi.it", "score": 0.7}`)}
	p := NewPerplexitySearch(fake, 0.006, nil)

	_, err := p.Execute(context.Background(), model.Payload{
		Chat: &model.ChatCompletion{
			System:    "You resolve Italian company websites.",
			Prompt:    "Find the site of Bianchi Costruzioni, Torino",
			MaxTokens: 256,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "You resolve Italian company websites.", fake.gotReq.Messages[0].Content)
	require.NotNil(t, fake.gotReq.MaxTokens)
	assert.Equal(t, 256, *fake.gotReq.MaxTokens)
}

func TestPerplexitySearch_AuthFailureIsTyped(t *testing.T) {
	fake := &fakePerplexity{err: &perplexity.APIError{StatusCode: 403, Body: "forbidden"}}
	p := NewPerplexitySearch(fake, 0.006, nil)

	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	var authErr *router.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 403, authErr.Status)
}

func TestPerplexitySearch_NoJSONInCompletion(t *testing.T) {
	fake := &fakePerplexity{resp: completionWith("I could not find anything relevant.")}
	p := NewPerplexitySearch(fake, 0.006, nil)

	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	assert.ErrorIs(t, err, perplexity.ErrNoJSON)
}

func TestPerplexitySearch_NoChoices(t *testing.T) {
	fake := &fakePerplexity{resp: &perplexity.ChatCompletionResponse{ID: "empty"}}
	p := NewPerplexitySearch(fake, 0.006, nil)

	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	require.Error(t, err)
}

// --- claude ---

func TestClaudeSearch_ExtractsJSON(t *testing.T) {
	fake := &fakeClaude{resp: &anthropic.MessageResponse{
		ID:      "msg_1",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "```json\n{\"url\": \"https://verdisrl.it\", \"score\": 0.8}\n```"}},
	}}
	p := NewClaudeSearch(fake, "claude-haiku-4-5-20251001", 0.01, NewCreditMeter(1.0))

	raw, err := p.Execute(context.Background(), model.Payload{
		Chat: &model.ChatCompletion{System: "resolver", Prompt: "Find Verdi Srl"},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "https://verdisrl.it", out["url"])

	require.Len(t, fake.gotReq.System, 1)
	assert.Equal(t, "resolver", fake.gotReq.System[0].Text)
	require.NotNil(t, p.Credits())
	assert.InDelta(t, 0.99, *p.Credits(), 1e-9)
}

func TestClaudeSearch_DefaultMaxTokens(t *testing.T) {
	fake := &fakeClaude{resp: &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{}`}},
	}}
	p := NewClaudeSearch(fake, "claude-haiku-4-5-20251001", 0.01, nil)

	_, err := p.Execute(context.Background(), model.Payload{Chat: &model.ChatCompletion{Prompt: "x"}})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultOracleMaxTokens), fake.gotReq.MaxTokens)
}

func TestClaudeSearch_NoTextContent(t *testing.T) {
	fake := &fakeClaude{resp: &anthropic.MessageResponse{ID: "msg_empty"}}
	p := NewClaudeSearch(fake, "claude-haiku-4-5-20251001", 0.01, nil)

	_, err := p.Execute(context.Background(), model.Payload{Chat: &model.ChatCompletion{Prompt: "x"}})
	require.Error(t, err)
}

func TestClaudeSearch_WrongPayload(t *testing.T) {
	p := NewClaudeSearch(&fakeClaude{}, "claude-haiku-4-5-20251001", 0.01, nil)
	_, err := p.Execute(context.Background(), searchPayload("x", ""))
	require.Error(t, err)
}

// --- credit meter ---

func TestCreditMeter_NilIsUnmetered(t *testing.T) {
	var m *CreditMeter
	assert.Nil(t, m.Remaining())
	assert.NotPanics(t, func() { m.Spend(1.0) })
}

func TestCreditMeter_SpendsDown(t *testing.T) {
	m := NewCreditMeter(0.01)
	m.Spend(0.004)
	m.Spend(0.004)
	require.NotNil(t, m.Remaining())
	assert.InDelta(t, 0.002, *m.Remaining(), 1e-9)
	m.Spend(0.004)
	assert.Less(t, *m.Remaining(), 0.0)
}

func TestTierOrdering(t *testing.T) {
	ddg := NewDDGSerp(&fakeSerp{})
	js := &JinaSearch{client: &fakeJinaSearch{}}
	px := NewPerplexitySearch(&fakePerplexity{}, 0.006, nil)
	cl := NewClaudeSearch(&fakeClaude{}, "claude-haiku-4-5-20251001", 0.01, nil)

	assert.Less(t, ddg.Tier(), js.Tier())
	assert.Less(t, js.Tier(), px.Tier())
	assert.Less(t, px.Tier(), cl.Tier())
}
