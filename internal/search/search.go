// Package search issues deduplicated web searches through the provider
// router. Query fan-out is deliberately small: at most three variants per
// target, stopping as soon as enough raw hits arrive.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/resolve-cli/internal/model"
	"github.com/sells-group/resolve-cli/internal/router"
)

// Target classifies what a search is trying to find.
type Target string

const (
	CompanySite         Target = "company_site"
	Registry            Target = "registry"
	ProfessionalNetwork Target = "professional_network"
	FinancialFiling     Target = "financial_filing"
)

const (
	maxVariants   = 3
	earlyStopHits = 3
	maxQueryLen   = 100
)

// Noise domains dropped from company-site results. Directories and social
// platforms rank well for small businesses but are never the answer.
var noiseDomains = map[string]bool{
	"facebook.com":       true,
	"instagram.com":      true,
	"linkedin.com":       true,
	"twitter.com":        true,
	"x.com":              true,
	"youtube.com":        true,
	"wikipedia.org":      true,
	"paginegialle.it":    true,
	"paginebianche.it":   true,
	"yelp.it":            true,
	"tripadvisor.it":     true,
	"amazon.it":          true,
	"ebay.it":            true,
	"subito.it":          true,
	"reportaziende.it":   true,
	"ufficiocamerale.it": true,
}

// TaskRouter is the slice of the provider router the searcher needs.
type TaskRouter interface {
	Route(ctx context.Context, taskType model.TaskType, payload model.Payload, opts router.Options) (*router.RouteResult, error)
}

// Options tunes one Search call.
type Options struct {
	// MaxTier caps provider cost while bleeding. Zero or negative means no
	// ceiling.
	MaxTier int
}

// Outcome is the result of one deduplicated search.
type Outcome struct {
	Results       []model.SearchResult `json:"results"`
	QueriesTried  []string             `json:"queries_tried"`
	ProvidersUsed []string             `json:"providers_used"`
}

// Searcher runs target-classed searches with domain dedup and a side buffer
// for professional-network hits. Safe for concurrent use.
type Searcher struct {
	router TaskRouter
	buffer *Buffer
}

// New creates a Searcher. The shared buffer collects diverted
// professional-network hits across records.
func New(tr TaskRouter, buf *Buffer) *Searcher {
	if buf == nil {
		buf = NewBuffer()
	}
	return &Searcher{router: tr, buffer: buf}
}

// Buffer exposes the professional-network side buffer for enrichment.
func (s *Searcher) Buffer() *Buffer { return s.buffer }

// Search issues up to three query variants for the target and returns
// domain-deduplicated results. Professional-network hits are diverted to
// the side buffer instead of being returned inline.
func (s *Searcher) Search(ctx context.Context, id string, rec model.NormalizedRecord, target Target, opts Options) *Outcome {
	out := &Outcome{}
	seenDomains := map[string]bool{}
	providers := map[string]bool{}
	var raw int

	for _, query := range buildVariants(rec, target) {
		if raw >= earlyStopHits {
			break
		}
		out.QueriesTried = append(out.QueriesTried, query)

		res, err := s.router.Route(ctx, model.TaskSearch,
			model.Payload{Search: &model.SearchQuery{Query: query}},
			router.Options{MaxTier: opts.MaxTier, CompanyID: id})
		if err != nil {
			zap.L().Debug("search: variant failed",
				zap.String("query", query), zap.Error(err))
			continue
		}
		if !providers[res.Provider] {
			providers[res.Provider] = true
			out.ProvidersUsed = append(out.ProvidersUsed, res.Provider)
		}

		var hits []model.SearchResult
		if err := json.Unmarshal(res.Data, &hits); err != nil {
			zap.L().Warn("search: malformed provider payload",
				zap.String("provider", res.Provider), zap.Error(err))
			continue
		}
		raw += len(hits)

		for _, hit := range hits {
			normalized, domain := normalizeURL(hit.URL)
			if domain == "" || seenDomains[domain] {
				continue
			}
			seenDomains[domain] = true

			if isProfessionalNetwork(domain) && target != ProfessionalNetwork {
				s.buffer.Add(id, hit)
				continue
			}
			if target == CompanySite && noiseDomains[registrable(domain)] {
				continue
			}
			hit.URL = normalized
			out.Results = append(out.Results, hit)
		}
	}
	return out
}

// buildVariants returns up to three sanitized query strings for the target.
func buildVariants(rec model.NormalizedRecord, target Target) []string {
	name := rec.Name
	stripped := name
	if len(rec.NameVariants) > 1 {
		stripped = rec.NameVariants[1]
	}
	place := rec.City
	if place == "" {
		place = rec.Province
	}

	var raw []string
	switch target {
	case CompanySite:
		raw = []string{
			join(name, place, "sito ufficiale"),
			join(stripped, place),
			join(stripped, rec.Province),
		}
	case Registry:
		raw = []string{
			join(name, rec.Province, "partita iva"),
			join(stripped, place, "visura camerale"),
			join(stripped, "registro imprese"),
		}
	case ProfessionalNetwork:
		raw = []string{
			join(stripped, place, "linkedin"),
			join("site:linkedin.com/company", stripped),
			join(name, "linkedin"),
		}
	case FinancialFiling:
		raw = []string{
			join(name, rec.Province, "bilancio"),
			join(stripped, "fatturato dipendenti"),
			join(stripped, place, "bilancio depositato"),
		}
	}

	var out []string
	seen := map[string]bool{}
	for _, q := range raw {
		q = sanitize(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
		if len(out) == maxVariants {
			break
		}
	}
	return out
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, strings.TrimSpace(p))
		}
	}
	return strings.Join(kept, " ")
}

// sanitize strips quoting and operator characters that break or hijack
// provider query parsers, then caps the length.
func sanitize(q string) string {
	var b strings.Builder
	for _, r := range q {
		switch r {
		case '"', '\'', '(', ')', '[', ']', '{', '}', '|', '&', '!', '<', '>', ';':
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Join(strings.Fields(b.String()), " ")
	if len(out) > maxQueryLen {
		out = out[:maxQueryLen]
		if i := strings.LastIndex(out, " "); i > 0 {
			out = out[:i]
		}
	}
	return out
}

// normalizeURL strips scheme noise for dedup and returns the canonical URL
// plus its domain (host without www).
func normalizeURL(raw string) (normalized, domain string) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if host == "" {
		return "", ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	return fmt.Sprintf("%s://%s%s", schemeOf(u), host, path), host
}

func schemeOf(u *url.URL) string {
	if u.Scheme == "" {
		return "https"
	}
	return u.Scheme
}

// registrable collapses a host to its last two labels, enough to match the
// denylist without a public-suffix table.
func registrable(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

func isProfessionalNetwork(domain string) bool {
	return registrable(domain) == "linkedin.com"
}
