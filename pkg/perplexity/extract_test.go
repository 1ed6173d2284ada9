package perplexity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type candidate struct {
	URL        string  `json:"url"`
	Confidence float64 `json:"confidence"`
}

func TestExtractJSON_ObjectInProse(t *testing.T) {
	text := `Based on my search, the company website is:
{"url": "https://rossiimpianti.it", "confidence": 0.9}
Let me know if you need anything else.`

	var got candidate
	require.NoError(t, ExtractJSON(text, &got))
	assert.Equal(t, "https://rossiimpianti.it", got.URL)
	assert.Equal(t, 0.9, got.Confidence)
}

func TestExtractJSON_ArrayInFences(t *testing.T) {
	text := "Here are the candidates:\n```json\n[{\"url\": \"https://a.it\", \"confidence\": 0.8}, {\"url\": \"https://b.it\", \"confidence\": 0.5}]\n```"

	var got []candidate
	require.NoError(t, ExtractJSON(text, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "https://a.it", got[0].URL)
}

func TestExtractJSON_NestedBraces(t *testing.T) {
	text := `{"outer": {"inner": [1, 2, 3]}, "url": "https://a.it"}`

	var got map[string]any
	require.NoError(t, ExtractJSON(text, &got))
	assert.Equal(t, "https://a.it", got["url"])
}

func TestExtractJSON_BracesInsideStrings(t *testing.T) {
	text := `{"note": "contains } and { inside", "url": "https://a.it"}`

	var got map[string]any
	require.NoError(t, ExtractJSON(text, &got))
	assert.Equal(t, "https://a.it", got["url"])
}

func TestExtractJSON_NoJSON(t *testing.T) {
	var got candidate
	err := ExtractJSON("I could not find any website for this company.", &got)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractJSON_UnbalancedIsNoJSON(t *testing.T) {
	var got candidate
	err := ExtractJSON(`{"url": "https://a.it"`, &got)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractJSON_MalformedBalancedPayload(t *testing.T) {
	var got candidate
	err := ExtractJSON(`{url: missing-quotes}`, &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoJSON)
}
