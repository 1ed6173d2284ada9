package serp

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

// parseResults walks the DuckDuckGo HTML page and pulls out the organic
// result blocks. The page marks each hit with a div carrying both the
// "result" and "results_links" classes.
func parseResults(page string, maxResults int) ([]Result, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, eris.Wrap(err, "serp: parse html")
	}

	var results []Result
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attrValue(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				r := extractResult(n)
				if r.URL != "" && r.Title != "" {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return results, nil
}

func extractResult(n *html.Node) Result {
	var r Result

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attrValue(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				r.URL = decodeRedirect(attrValue(n, "href"))
				r.Title = textContent(n)
			case strings.Contains(class, "result__snippet"):
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	return r
}

// decodeRedirect unwraps the uddg redirect links DuckDuckGo puts on every
// result anchor.
func decodeRedirect(href string) string {
	const prefix = "//duckduckgo.com/l/?uddg="
	if !strings.HasPrefix(href, prefix) {
		return href
	}
	decoded, err := url.QueryUnescape(strings.TrimPrefix(href, prefix))
	if err != nil {
		return href
	}
	if idx := strings.Index(decoded, "&"); idx > 0 {
		decoded = decoded[:idx]
	}
	return decoded
}

func attrValue(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(strings.TrimSpace(n.Data))
			sb.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
