// internal/executor/fingerprint.go
// State fingerprinting: a fingerprint is the canonical page location plus a
// coarse hash of the page's visible text. It is intentionally insensitive to
// markup churn (ads, nonces, reordered attributes) so that "nothing happened"
// and "something happened" are distinguishable across noisy pages.
package executor

import (
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

// CanonicalizeURL normalizes a page location for fingerprint comparison:
// lowercased scheme and host, fragment dropped, trailing slash trimmed from
// the path. Query strings are kept because they distinguish search results.
func CanonicalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// Fingerprint computes the comparable state summary for a page.
func Fingerprint(pageURL, visibleText string) schemas.StateFingerprint {
	return schemas.StateFingerprint{
		URL:         CanonicalizeURL(pageURL),
		ContentHash: xxhash.Sum64String(normalizeText(visibleText)),
	}
}

// normalizeText collapses all whitespace runs to single spaces so incidental
// layout differences do not perturb the content hash.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// skippedElements are subtrees that never contribute visible text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"iframe":   true,
	"svg":      true,
}

// ExtractVisibleText parses an HTML document and returns its visible text,
// whitespace-normalized and truncated to limit runes (0 means no limit). The
// parser is tolerant: malformed markup yields whatever text can be recovered.
func ExtractVisibleText(htmlSrc string, limit int) string {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return truncateRunes(normalizeText(htmlSrc), limit)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return truncateRunes(normalizeText(sb.String()), limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
