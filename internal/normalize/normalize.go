// Package normalize cleans raw input records into their canonical form:
// name variants, province extraction, email-derived domain and a quality
// score that gates whether a record is worth any external call at all.
package normalize

import (
	"regexp"
	"strings"

	"github.com/sells-group/resolve-cli/internal/model"
)

var legalSuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(S\.?R\.?L\.?S?\.?|S\.?P\.?A\.?|S\.?N\.?C\.?|S\.?A\.?S\.?|` +
		`S\.?S\.?|S\.?C\.?A\.?R\.?L\.?|SOC\.?\s*COOP\.?|COOP\.?|` +
		`DITTA\s+INDIVIDUALE|IMPRESA\s+INDIVIDUALE)\s*\.?\s*$`)

var (
	provincePattern = regexp.MustCompile(`\(([A-Za-z]{2})\)\s*$`)
	multiSpace      = regexp.MustCompile(`\s{2,}`)
	nonSlugChars    = regexp.MustCompile(`[^a-z0-9]+`)
)

// freemailDomains are consumer email providers that never identify a
// company website; email-derived domains from these are discarded.
var freemailDomains = map[string]bool{
	"gmail.com":    true,
	"yahoo.com":    true,
	"yahoo.it":     true,
	"hotmail.com":  true,
	"hotmail.it":   true,
	"outlook.com":  true,
	"outlook.it":   true,
	"libero.it":    true,
	"virgilio.it":  true,
	"tiscali.it":   true,
	"alice.it":     true,
	"tin.it":       true,
	"pec.it":       true,
	"legalmail.it": true,
}

// Normalize builds the immutable normalized form of a raw record.
func Normalize(rec model.Record) model.NormalizedRecord {
	name := cleanSpaces(rec.Name)
	stripped := StripLegalSuffix(name)

	variants := []string{name}
	if stripped != "" && !strings.EqualFold(stripped, name) {
		variants = append(variants, stripped)
		if resuffixed := stripped + " Srl"; !strings.EqualFold(resuffixed, name) {
			variants = append(variants, resuffixed)
		}
	}

	city, province := splitCityProvince(rec.City)

	n := model.NormalizedRecord{
		ID:           rec.ID,
		Name:         name,
		NameVariants: variants,
		City:         city,
		Province:     province,
		Address:      cleanSpaces(rec.Address),
		Phone:        cleanSpaces(rec.Phone),
		Email:        strings.ToLower(strings.TrimSpace(rec.Email)),
	}
	n.EmailDomain = emailDomain(n.Email)
	n.QualityScore = qualityScore(n)
	return n
}

// StripLegalSuffix removes a trailing legal-form suffix from a company name.
// Returns the input unchanged when no suffix is present.
func StripLegalSuffix(name string) string {
	return strings.TrimSpace(legalSuffixes.ReplaceAllString(name, ""))
}

// Slug converts a company name to a domain-style slug: lowercase,
// suffix-stripped, non-alphanumerics collapsed to single hyphens.
func Slug(name string) string {
	s := strings.ToLower(StripLegalSuffix(name))
	s = nonSlugChars.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// splitCityProvince extracts a trailing "(XX)" province code from a city
// field, e.g. "Milano (MI)" -> ("Milano", "MI").
func splitCityProvince(city string) (string, string) {
	city = cleanSpaces(city)
	m := provincePattern.FindStringSubmatch(city)
	if m == nil {
		return city, ""
	}
	return cleanSpaces(strings.TrimSuffix(city, m[0])), strings.ToUpper(m[1])
}

// emailDomain extracts the domain from an email address, discarding
// consumer providers that cannot identify a company site.
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 || at == len(email)-1 {
		return ""
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || freemailDomains[domain] {
		return ""
	}
	return domain
}

// qualityScore rates how much grounding a record carries in [0,1].
// A bare or near-empty name scores below any sensible floor and the
// pipeline terminates without spending a single external call.
func qualityScore(n model.NormalizedRecord) float64 {
	score := 0.0
	if len(StripLegalSuffix(n.Name)) >= 3 {
		score += 0.40
	}
	if n.City != "" {
		score += 0.15
	}
	if n.Province != "" {
		score += 0.05
	}
	if n.EmailDomain != "" {
		score += 0.20
	} else if n.Email != "" {
		score += 0.10
	}
	if n.Phone != "" {
		score += 0.10
	}
	if n.Address != "" {
		score += 0.10
	}
	if score > 1 {
		score = 1
	}
	return score
}

func cleanSpaces(s string) string {
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}
