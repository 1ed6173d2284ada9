// Package verify decides whether a candidate URL really is the website of a
// given business. It is a state machine over progressively more expensive
// probes: cached classification, raw HTTP, proxy render, real browser.
package verify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/browser"
	"github.com/sells-group/resolve-cli/internal/cache"
	"github.com/sells-group/resolve-cli/internal/ledger"
	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/normalize"
	"github.com/sells-group/resolve-cli/internal/router"
)

// Status is a terminal verification state.
type Status string

const (
	Verified         Status = "VERIFIED"
	VerifiedSemantic Status = "VERIFIED_SEMANTIC"
	NeedsBrowser     Status = "NEEDS_BROWSER"
	Rejected         Status = "REJECTED"
	Parked           Status = "PARKED"
)

// Outcome is the result of verifying one candidate URL.
type Outcome struct {
	Status     Status  `json:"status"`
	Method     string  `json:"method,omitempty"` // PIVA_MATCH or SEMANTIC_MATCH
	Confidence float64 `json:"confidence,omitempty"`
	TokenRatio float64 `json:"token_ratio,omitempty"`
}

const (
	cacheNamespace = "verify"
	classifyTTL    = 7 * 24 * time.Hour

	probeTimeout = 3 * time.Second
	snippetBytes = 2048

	semanticHigh = 0.8
	semanticLow  = 0.6
)

// Edge-protection header names that mean raw HTTP will not get real content.
var edgeHeaders = []string{"cf-ray", "cf-mitigated", "x-sucuri-id", "x-akamai-transformed"}

var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"attention required",
	"enable javascript and cookies",
	"challenge-platform",
}

var parkingPhrases = []string{
	"this domain is for sale",
	"buy this domain",
	"domain is parked",
	"parked free",
	"sedoparking",
	"hugedomains",
	"questo dominio è in vendita",
	"dominio in vendita",
	"acquista questo dominio",
}

// TaskRouter is the slice of the provider router the gate needs.
type TaskRouter interface {
	Route(ctx context.Context, taskType model.TaskType, payload model.Payload, opts router.Options) (*router.RouteResult, error)
}

// Renderer is the slice of the browser pool used for escalation. A nil
// Renderer leaves NEEDS_BROWSER as a terminal state.
type Renderer interface {
	NavigateSafe(ctx context.Context, url string) (*browser.NavResult, error)
}

// Options constrains a single verification pass.
type Options struct {
	// MaxTier caps the render provider tier, with router.Options
	// semantics: zero means no ceiling. While the breaker bleeds, the
	// orchestrator passes its tier cap here so paid renders are skipped
	// and escalation goes straight to the local browser.
	MaxTier int
}

// Option configures the Gate.
type Option func(*Gate)

// WithHTTPClient substitutes the probe client; tests point it at httptest.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gate) { g.http = c }
}

// WithRenderer wires a browser pool for NEEDS_BROWSER escalation.
func WithRenderer(r Renderer) Option {
	return func(g *Gate) { g.pool = r }
}

// Gate verifies candidate URLs. Safe for concurrent use.
type Gate struct {
	http   *http.Client
	router TaskRouter
	cache  *cache.Cache
	ledger *ledger.Ledger
	pool   Renderer
}

// New creates a Gate over the given router, cache, and ledger.
func New(tr TaskRouter, c *cache.Cache, led *ledger.Ledger, opts ...Option) *Gate {
	g := &Gate{
		http:   &http.Client{Timeout: probeTimeout},
		router: tr,
		cache:  c,
		ledger: led,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Verify classifies candidateURL against rec. It never returns an error:
// network failures map to REJECTED or NEEDS_BROWSER.
func (g *Gate) Verify(ctx context.Context, candidateURL string, rec model.NormalizedRecord, opts Options) Outcome {
	domain := domainOf(candidateURL)
	if domain == "" {
		return Outcome{Status: Rejected}
	}

	// Stage 1: remembered classification.
	if raw, level := g.cache.Get(ctx, cacheNamespace, domain); level != cache.Miss {
		return Outcome{Status: Status(raw)}
	}

	// Stage 2: cheap protocol probe.
	out, done := g.probe(ctx, candidateURL, domain)
	if done {
		return g.escalate(ctx, out, candidateURL, rec)
	}

	// Stage 3: parking-page sniff on a partial body.
	if g.parked(ctx, candidateURL, domain) {
		return Outcome{Status: Parked}
	}

	// Stages 4 and 5 share one proxy render.
	text, challenge, err := g.renderText(ctx, candidateURL, opts)
	if err != nil || challenge {
		return g.escalate(ctx, Outcome{Status: NeedsBrowser}, candidateURL, rec)
	}

	if o, ok := matchContent(text, domain, rec); ok {
		// A known identifier absent from the render outranks a name
		// match; the browser re-check gets the final word.
		if o.Status == VerifiedSemantic && rec.TaxID != "" {
			return g.escalate(ctx, Outcome{Status: NeedsBrowser}, candidateURL, rec)
		}
		return o
	}
	return g.escalate(ctx, Outcome{Status: NeedsBrowser}, candidateURL, rec)
}

// probe issues the HEAD-equivalent request. done=true means the outcome is
// final (or escalatable) without fetching a body.
func (g *Gate) probe(ctx context.Context, candidateURL, domain string) (Outcome, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, candidateURL, nil)
	if err != nil {
		return Outcome{Status: Rejected}, true
	}
	resp, err := g.http.Do(req)
	g.logProbe("http-probe", start, err == nil)
	if err != nil {
		// A timeout may just be a slow JS-heavy site; anything else means
		// nothing is listening there.
		if probeCtx.Err() == context.DeadlineExceeded {
			return Outcome{Status: NeedsBrowser}, true
		}
		return Outcome{Status: Rejected}, true
	}
	defer resp.Body.Close()

	if edgeProtected(resp.Header) {
		g.remember(ctx, domain, NeedsBrowser)
		return Outcome{Status: NeedsBrowser}, true
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusForbidden {
		return Outcome{Status: Rejected}, true
	}
	return Outcome{}, false
}

// parked fetches the first couple of KB and checks parking signatures.
func (g *Gate) parked(ctx context.Context, candidateURL, domain string) bool {
	fetchCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, candidateURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-2047")
	resp, err := g.http.Do(req)
	g.logProbe("http-snippet", start, err == nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	snippet, err := io.ReadAll(io.LimitReader(resp.Body, snippetBytes))
	if err != nil {
		return false
	}
	lower := strings.ToLower(string(snippet))
	for _, phrase := range parkingPhrases {
		if strings.Contains(lower, phrase) {
			g.remember(ctx, domain, Parked)
			return true
		}
	}
	return false
}

// renderText fetches a cleaned-text rendering through the router, honoring
// the caller's tier ceiling.
func (g *Gate) renderText(ctx context.Context, candidateURL string, opts Options) (text string, challenge bool, err error) {
	res, err := g.router.Route(ctx, model.TaskRender,
		model.Payload{Render: &model.RenderRequest{URL: candidateURL}},
		router.Options{MaxTier: opts.MaxTier})
	if err != nil {
		return "", false, err
	}
	var rendered model.RenderResult
	if uerr := unmarshalRender(res.Data, &rendered); uerr != nil {
		return "", false, uerr
	}
	lower := strings.ToLower(rendered.Content)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return "", true, nil
		}
	}
	return rendered.Content, false, nil
}

// escalate re-checks a NEEDS_BROWSER outcome through the browser pool when
// one is wired. A rendered page that still matches nothing is a rejection;
// an inconclusive browser outcome stays NEEDS_BROWSER.
func (g *Gate) escalate(ctx context.Context, out Outcome, candidateURL string, rec model.NormalizedRecord) Outcome {
	if out.Status != NeedsBrowser || g.pool == nil {
		return out
	}
	nav, err := g.pool.NavigateSafe(ctx, candidateURL)
	if err != nil {
		return out
	}
	if nav.Status != browser.StatusOK {
		return out
	}
	if o, ok := matchContent(nav.HTML, domainOf(candidateURL), rec); ok {
		return o
	}
	return Outcome{Status: Rejected}
}

// matchContent runs the identifier check then the fuzzy semantic match.
func matchContent(text, domain string, rec model.NormalizedRecord) (Outcome, bool) {
	if rec.TaxID != "" && containsTaxID(text, rec.TaxID) {
		return Outcome{
			Status:     Verified,
			Method:     model.MatchTaxID,
			Confidence: model.ConfidenceTaxID,
		}, true
	}
	if rec.Name == "" {
		return Outcome{}, false
	}

	ratio := tokenRatio(rec.Name, text)
	slugHit := slugMatch(domain, rec.Name)
	if ratio >= semanticHigh || (ratio >= semanticLow && slugHit) {
		return Outcome{
			Status:     VerifiedSemantic,
			Method:     model.MatchSemantic,
			Confidence: model.ConfidenceSemantic,
			TokenRatio: ratio,
		}, true
	}
	return Outcome{}, false
}

// tokenRatio is the fraction of significant name tokens present in text.
// Legal-form tokens are stripped and tokens shorter than 3 runes ignored.
func tokenRatio(name, text string) float64 {
	stripped := normalize.StripLegalSuffix(name)
	lowerText := strings.ToLower(text)

	var total, hits int
	for _, tok := range strings.Fields(strings.ToLower(stripped)) {
		tok = strings.Trim(tok, ".,;:'\"()")
		if len([]rune(tok)) < 3 {
			continue
		}
		total++
		if strings.Contains(lowerText, tok) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// slugMatch compares the registrable domain label against the name slug.
func slugMatch(domain, name string) bool {
	label := domain
	if i := strings.Index(label, "."); i > 0 {
		label = label[:i]
	}
	slug := normalize.Slug(normalize.StripLegalSuffix(name))
	if slug == "" || label == "" {
		return false
	}
	compact := strings.ReplaceAll(slug, "-", "")
	return label == compact || strings.Contains(compact, label) || strings.Contains(label, compact)
}

// containsTaxID looks for the identifier digits in text, ignoring common
// separators and an IT prefix.
func containsTaxID(text, taxID string) bool {
	digits := digitsOnly(taxID)
	if digits == "" {
		return false
	}
	return strings.Contains(compressDigits(text), digits)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// compressDigits drops the separators commonly typed inside identifiers so
// "IT 01234.567-890" matches "01234567890".
func compressDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' || r == '.' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (g *Gate) remember(ctx context.Context, domain string, s Status) {
	if err := g.cache.Set(ctx, cacheNamespace, domain, []byte(s), classifyTTL); err != nil {
		zap.L().Warn("verify: classification cache write failed", zap.Error(err))
	}
}

func (g *Gate) logProbe(provider string, start time.Time, success bool) {
	g.ledger.Record(ledger.Entry{
		Module:     "verify",
		Provider:   provider,
		TaskType:   model.TaskRender,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
	})
}

// edgeProtected reports whether the response headers carry a known
// edge-protection signature.
func edgeProtected(h http.Header) bool {
	for _, name := range edgeHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	server := strings.ToLower(h.Get("Server"))
	return strings.Contains(server, "cloudflare") || strings.Contains(server, "akamai")
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

func unmarshalRender(data []byte, out *model.RenderResult) error {
	return json.Unmarshal(data, out)
}
