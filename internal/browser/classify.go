package browser

import "strings"

// Edge-protection response headers that, combined with a challenge-page body
// marker, indicate an interstitial rather than real content.
var edgeHeaders = []string{"cf-ray", "cf-mitigated", "x-amz-cf-id", "x-akamai-transformed"}

var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"cf-challenge",
	"challenge-platform",
	"attention required",
	"ddos protection by",
}

// classify maps a completed navigation to a NavStatus. 403 and 429 are
// treated as active blocking; an edge header plus a challenge body marker
// means an interstitial that needs different handling than a plain block.
func classify(statusCode int, headers map[string]string, body string) NavStatus {
	lowerBody := strings.ToLower(body)
	if hasEdgeHeader(headers) && hasChallengeMarker(lowerBody) {
		return StatusChallenge
	}
	if statusCode == 403 || statusCode == 429 {
		return StatusBlocked
	}
	if statusCode >= 400 {
		return StatusError
	}
	return StatusOK
}

func hasEdgeHeader(headers map[string]string) bool {
	for k := range headers {
		lk := strings.ToLower(k)
		for _, h := range edgeHeaders {
			if lk == h {
				return true
			}
		}
		if strings.EqualFold(k, "server") {
			v := strings.ToLower(headers[k])
			if strings.Contains(v, "cloudflare") || strings.Contains(v, "akamai") {
				return true
			}
		}
	}
	return false
}

func hasChallengeMarker(lowerBody string) bool {
	for _, m := range challengeMarkers {
		if strings.Contains(lowerBody, m) {
			return true
		}
	}
	return false
}
