package executor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Shop.Example.COM/Catalog", "https://shop.example.com/Catalog"},
		{"drops fragment", "https://example.com/page#section-2", "https://example.com/page"},
		{"trims trailing slash", "https://example.com/catalog/", "https://example.com/catalog"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"keeps query strings", "https://example.com/search?q=widgets&page=2", "https://example.com/search?q=widgets&page=2"},
		{"unparseable input passes through", "http://%zz", "http://%zz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalizeURL(tc.in))
		})
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("equal for equivalent states", func(t *testing.T) {
		a := Fingerprint("https://example.com/page#top", "Hello   world")
		b := Fingerprint("https://EXAMPLE.com/page", "Hello world")
		assert.True(t, a.Equal(b), "fragment and whitespace differences must not change the fingerprint")
	})

	t.Run("different for different content", func(t *testing.T) {
		a := Fingerprint("https://example.com/page", "cart: 0 items")
		b := Fingerprint("https://example.com/page", "cart: 1 item")
		assert.False(t, a.Equal(b))
	})

	t.Run("different for different locations", func(t *testing.T) {
		a := Fingerprint("https://example.com/a", "same text")
		b := Fingerprint("https://example.com/b", "same text")
		assert.False(t, a.Equal(b))
	})
}

func TestExtractVisibleText(t *testing.T) {
	t.Run("skips non-visible subtrees", func(t *testing.T) {
		src := `<html><head><title>Ignored</title><style>body{color:red}</style></head>
<body><h1>Welcome</h1><script>var x = "hidden";</script><p>Your order is confirmed.</p></body></html>`
		text := ExtractVisibleText(src, 0)
		assert.Equal(t, "Welcome Your order is confirmed.", text)
		assert.NotContains(t, text, "hidden")
		assert.NotContains(t, text, "color:red")
	})

	t.Run("normalizes whitespace", func(t *testing.T) {
		src := "<body><p>line one</p>\n\n\t<p>line    two</p></body>"
		assert.Equal(t, "line one line two", ExtractVisibleText(src, 0))
	})

	t.Run("truncates by runes", func(t *testing.T) {
		src := "<body>" + strings.Repeat("ä", 100) + "</body>"
		got := ExtractVisibleText(src, 10)
		assert.Equal(t, strings.Repeat("ä", 10), got)
	})

	t.Run("tolerates malformed markup", func(t *testing.T) {
		text := ExtractVisibleText("<div><p>unclosed tags<span>everywhere", 0)
		assert.Contains(t, text, "unclosed tags")
		assert.Contains(t, text, "everywhere")
	})
}
