// Package serp provides an anonymous HTML search client. It scrapes the
// DuckDuckGo HTML endpoint, which needs no API key, so it serves as the
// zero-cost first stop before any paid search provider.
package serp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://html.duckduckgo.com/html"
	defaultUA      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	maxBodyBytes      = 1 << 20
	defaultMaxResults = 10
)

// Client performs anonymous web searches.
type Client interface {
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error)
}

// Result is a single organic search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	maxResults int
}

// WithMaxResults caps the number of parsed results.
func WithMaxResults(n int) SearchOption {
	return func(o *searchOpts) {
		o.maxResults = n
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom endpoint (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an anonymous search client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	so := &searchOpts{maxResults: defaultMaxResults}
	for _, opt := range opts {
		opt(so)
	}

	reqURL := fmt.Sprintf("%s/?q=%s", c.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "serp: create request")
	}
	req.Header.Set("User-Agent", defaultUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.8,en;q=0.5")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "serp: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("serp: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "serp: read response")
	}

	return parseResults(string(body), so.maxResults)
}
