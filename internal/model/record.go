// Package model defines the shared types flowing through the resolution
// pipeline: input records, normalized records, candidates and results.
package model

import (
	"strings"
	"time"
)

// Record is one raw input row from the ingestion layer. Field names in the
// source file are matched against a small set of known aliases by FromRow.
type Record struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	City    string `json:"city,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
}

// fieldAliases maps known header spellings to canonical record fields.
var fieldAliases = map[string]string{
	"name":            "name",
	"company":         "name",
	"company_name":    "name",
	"ragione_sociale": "name",
	"denominazione":   "name",
	"city":            "city",
	"comune":          "city",
	"locality":        "city",
	"address":         "address",
	"indirizzo":       "address",
	"street":          "address",
	"phone":           "phone",
	"telefono":        "phone",
	"tel":             "phone",
	"email":           "email",
	"mail":            "email",
	"e-mail":          "email",
}

// FromRow builds a Record from a flat key/value row, matching headers
// case-insensitively against known aliases. Unrecognized columns are ignored.
func FromRow(id string, row map[string]string) Record {
	rec := Record{ID: id}
	for k, v := range row {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch fieldAliases[strings.ToLower(strings.TrimSpace(k))] {
		case "name":
			rec.Name = v
		case "city":
			rec.City = v
		case "address":
			rec.Address = v
		case "phone":
			rec.Phone = v
		case "email":
			rec.Email = v
		}
	}
	return rec
}

// NormalizedRecord is the cleaned, immutable representation of one record.
type NormalizedRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`          // canonical cleaned name
	NameVariants []string `json:"name_variants"` // original, suffix-stripped, re-suffixed
	City         string   `json:"city,omitempty"`
	Province     string   `json:"province,omitempty"` // two-letter province code
	Address      string   `json:"address,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	Email        string   `json:"email,omitempty"`
	EmailDomain  string   `json:"email_domain,omitempty"`
	TaxID        string   `json:"tax_id,omitempty"` // filled by registry lookup
	QualityScore float64  `json:"quality_score"`
}

// Fingerprint returns a stable content-derived key for cooldown tracking.
// Record IDs are regenerated per run, so cooldowns key on content instead.
func (n NormalizedRecord) Fingerprint() string {
	return strings.ToLower(n.Name) + "|" + strings.ToLower(n.Province)
}

// Candidate is a URL under verification plus the stage that produced it.
type Candidate struct {
	URL    string `json:"url"`
	Source string `json:"source"` // discovery layer label
}

// Discovery layer labels, in waterfall order.
const (
	LayerRegistryLookup = "REGISTRY_LOOKUP"
	LayerEmailDomain    = "EMAIL_DOMAIN"
	LayerDomainGuess    = "DOMAIN_GUESS"
	LayerSerpSearch     = "SERP_SEARCH"
	LayerRegistrySearch = "REGISTRY_SEARCH"
	LayerOracle         = "STAGE_6_LLM_ORACLE"
)

// Verification labels describing how a candidate was accepted.
const (
	MatchTaxID    = "PIVA_MATCH"
	MatchSemantic = "SEMANTIC_MATCH"
	MatchOracle   = "ORACLE_TRUST"
)

// Confidence constants assigned by discovery layer. Identifier matches are
// the only class treated as certain; everything else is deliberately lower.
const (
	ConfidenceTaxID    = 0.95
	ConfidenceSemantic = 0.75
	ConfidenceOracle   = 0.60
)

// Status is the terminal outcome of processing one record.
type Status string

const (
	StatusFound    Status = "FOUND_COMPLETE"
	StatusNotFound Status = "NOT_FOUND"
	StatusError    Status = "ERROR"
)

// WebsiteBlock describes the accepted website for a record.
type WebsiteBlock struct {
	URL        string   `json:"url"`
	Confidence float64  `json:"confidence"`
	Layers     []string `json:"layers"` // discovery + verification labels
}

// FinancialBlock holds discovered financial-document leads.
type FinancialBlock struct {
	DocumentURL string `json:"document_url,omitempty"`
	Source      string `json:"source,omitempty"`
}

// DecisionMakerBlock holds a discovered key person.
type DecisionMakerBlock struct {
	Name       string  `json:"name,omitempty"`
	ProfileURL string  `json:"profile_url,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// ResolveResult is the structured outcome handed to the persistence layer.
type ResolveResult struct {
	Input         Record              `json:"input"`
	Status        Status              `json:"status"`
	Website       *WebsiteBlock       `json:"website,omitempty"`
	Financial     *FinancialBlock     `json:"financial,omitempty"`
	DecisionMaker *DecisionMakerBlock `json:"decision_maker,omitempty"`
	Meta          ResultMeta          `json:"meta"`
}

// ResultMeta carries processing metadata for one record.
type ResultMeta struct {
	DurationMs int64     `json:"duration_ms"`
	Stages     []string  `json:"stages"` // ordered list of attempted layers
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}
