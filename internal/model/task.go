package model

import (
	"fmt"
	"strings"
)

// TaskType names a class of routable work. The router is indifferent to what
// a provider does with a task; it only orders providers by tier and health.
type TaskType string

const (
	// TaskSearch is a web search returning candidate URLs.
	TaskSearch TaskType = "search"
	// TaskRender fetches a cleaned-text rendering of a page.
	TaskRender TaskType = "render"
	// TaskOracle is a broad AI-backed search, the most expensive escalation.
	TaskOracle TaskType = "oracle"
)

// SearchQuery is the payload for search-class tasks.
type SearchQuery struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
	SiteFilter string `json:"site_filter,omitempty"`
}

// RenderRequest is the payload for render-class tasks.
type RenderRequest struct {
	URL string `json:"url"`
}

// ChatCompletion is the payload for AI-backed oracle tasks.
type ChatCompletion struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Payload is the tagged union of routable task payloads. Exactly one
// variant is set; adapters switch on the set variant instead of
// inspecting shapes at runtime.
type Payload struct {
	Search *SearchQuery    `json:"search,omitempty"`
	Render *RenderRequest  `json:"render,omitempty"`
	Chat   *ChatCompletion `json:"chat,omitempty"`
}

// CacheKey returns a deterministic canonical form of the payload for use in
// router cache keys. Variants are prefixed so distinct shapes never collide.
func (p Payload) CacheKey() string {
	switch {
	case p.Search != nil:
		return fmt.Sprintf("s|%s|%d|%s",
			strings.ToLower(strings.TrimSpace(p.Search.Query)),
			p.Search.MaxResults, p.Search.SiteFilter)
	case p.Render != nil:
		return "r|" + p.Render.URL
	case p.Chat != nil:
		return fmt.Sprintf("c|%s|%s", p.Chat.System, p.Chat.Prompt)
	default:
		return ""
	}
}

// SearchResult is one normalized hit returned by a search-class provider.
type SearchResult struct {
	Title   string  `json:"title,omitempty"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// RenderResult is the body returned by a render-class provider.
type RenderResult struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Tokens  int    `json:"tokens,omitempty"`
}
