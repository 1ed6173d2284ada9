package perplexity

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoJSON means the completion text contained no parseable JSON value.
var ErrNoJSON = eris.New("perplexity: no json found in completion")

// ExtractJSON finds the first balanced JSON object or array in free text
// and unmarshals it into out. Models wrap structured answers in prose and
// markdown fences more often than not; this digs the payload out.
func ExtractJSON(text string, out any) error {
	text = stripFences(text)

	start := -1
	for i, r := range text {
		if r == '{' || r == '[' {
			start = i
			break
		}
	}
	if start < 0 {
		return ErrNoJSON
	}

	open := text[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(text[start:i+1]), out); err != nil {
					return eris.Wrap(err, "perplexity: unmarshal extracted json")
				}
				return nil
			}
		}
	}
	return ErrNoJSON
}

// stripFences removes markdown code fences around the payload.
func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	return strings.ReplaceAll(text, "```", "")
}
