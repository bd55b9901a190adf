package extract

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := ParseDocument([]byte(html))
	require.NoError(t, err)
	return doc
}

func TestExtractTitleAndKeywords(t *testing.T) {
	html := `<html><head>
		<title>Toaster</title>
		<meta name="keywords" content="toaster, kitchen">
	</head><body></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://shop.example.com/toaster")

	require.Equal(t, "Toaster", meta.Title)
	require.Equal(t, []string{"toaster", "kitchen"}, meta.Keywords)
}

func TestTitleFallbackChain(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "title element wins",
			html: `<html><head><title>From Title</title></head><body><h1>From H1</h1></body></html>`,
			want: "From Title",
		},
		{
			name: "h1 when no title",
			html: `<html><body><h1>From H1</h1></body></html>`,
			want: "From H1",
		},
		{
			name: "og title meta",
			html: `<html><body><meta property="og:title" content="From OG"></body></html>`,
			want: "From OG",
		},
		{
			name: "whitespace collapsed",
			html: "<html><head><title>  Spaced \n  Out  </title></head></html>",
			want: "Spaced Out",
		},
	}
	e := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := e.Extract(mustDoc(t, tt.html), "https://example.com/")
			require.Equal(t, tt.want, meta.Title)
		})
	}
}

func TestDescriptionFallsBackToFirstParagraph(t *testing.T) {
	html := `<html><body><p>  The first   paragraph. </p><p>Second.</p></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Equal(t, "The first paragraph.", meta.Description)
}

func TestDescriptionTruncated(t *testing.T) {
	long := strings.Repeat("x", 1500)
	html := fmt.Sprintf(`<html><head><meta name="description" content=%q></head></html>`, long)
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Len(t, meta.Description, 1000)
}

func TestKeywordsDeduplicatedAndCapped(t *testing.T) {
	parts := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		parts = append(parts, fmt.Sprintf("kw%d", i%25))
	}
	html := fmt.Sprintf(`<html><head><meta name="keywords" content=%q></head></html>`,
		strings.Join(parts, "; "))
	meta := New().Extract(mustDoc(t, html), "https://example.com/")

	require.Len(t, meta.Keywords, 20)
	seen := map[string]bool{}
	for _, kw := range meta.Keywords {
		require.False(t, seen[kw], "duplicate keyword %q", kw)
		seen[kw] = true
	}
}

func TestAuthorChain(t *testing.T) {
	html := `<html><head><meta name="author" content="Jordan Blake"></head></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Equal(t, "Jordan Blake", meta.Author)
}

func TestPublishedDateParsing(t *testing.T) {
	html := `<html><head>
		<meta property="article:published_time" content="not a date">
		<meta name="date" content="2024-03-15T10:30:00Z">
	</head></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")

	require.NotNil(t, meta.PublishedAt, "unparsable candidate should be skipped, not fatal")
	require.Equal(t, time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC), meta.PublishedAt.UTC())
}

func TestPublishedDateFromTimeElement(t *testing.T) {
	html := `<html><body><time datetime="2023-07-01">July</time></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.NotNil(t, meta.PublishedAt)
	require.Equal(t, 2023, meta.PublishedAt.Year())
}

func TestCanonicalURLResolved(t *testing.T) {
	html := `<html><head><link rel="canonical" href="/articles/42"></head></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/articles/42?ref=feed")
	require.Equal(t, "https://example.com/articles/42", meta.CanonicalURL)
}

func TestLanguageFromRootAttribute(t *testing.T) {
	html := `<html lang="en-US"><body></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Equal(t, "en-US", meta.Language)
}

func TestWordCountIgnoresScriptOnlyContent(t *testing.T) {
	html := `<html><head><script>var x = "these words do not count";</script></head><body></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Zero(t, meta.WordCount)
}

func TestWordCountBodyText(t *testing.T) {
	html := `<html><head><title>Ignored Title Words</title><style>p { color: red }</style></head>
		<body><p>one two three</p><script>ignored()</script><p>four five</p></body></html>`
	meta := New().Extract(mustDoc(t, html), "https://example.com/")
	require.Equal(t, 5, meta.WordCount)
}

func TestImagesResolvedFilteredCapped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`<html><body>`)
	sb.WriteString(`<img src="/logo.png" alt="Logo" width="120" height="80">`)
	sb.WriteString(`<img src="data:image/png;base64,AAAA">`)
	sb.WriteString(`<img src="/pixel.gif" width="1" height="1">`)
	sb.WriteString(`<img src="/unknown-size.jpg">`)
	for i := 0; i < 60; i++ {
		fmt.Fprintf(&sb, `<img src="/photo-%d.jpg">`, i)
	}
	sb.WriteString(`</body></html>`)

	meta := New().Extract(mustDoc(t, sb.String()), "https://example.com/page")

	require.Len(t, meta.Images, 50)
	require.Equal(t, "https://example.com/logo.png", meta.Images[0].URL)
	require.Equal(t, "Logo", meta.Images[0].AltText)
	require.Equal(t, 120, meta.Images[0].Width)
	for _, img := range meta.Images {
		require.False(t, strings.HasPrefix(img.URL, "data:"))
		require.NotContains(t, img.URL, "pixel.gif")
	}
}

func TestLinksResolvedFilteredCapped(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`<html><body>`)
	sb.WriteString(`<a href="/about" title="About us" rel="nofollow external">About</a>`)
	sb.WriteString(`<a href="#section">Anchor</a>`)
	sb.WriteString(`<a href="javascript:void(0)">JS</a>`)
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&sb, `<a href="/page-%d">Page %d</a>`, i, i)
	}
	sb.WriteString(`</body></html>`)

	meta := New().Extract(mustDoc(t, sb.String()), "https://example.com/")

	require.Len(t, meta.Links, 100)
	require.Equal(t, "https://example.com/about", meta.Links[0].URL)
	require.Equal(t, "About", meta.Links[0].Text)
	require.Equal(t, "nofollow", meta.Links[0].Rel)
	for _, link := range meta.Links {
		require.False(t, strings.HasPrefix(link.URL, "javascript:"))
		require.NotContains(t, link.URL, "#section")
	}
}

func TestExtractIsDeterministicAndNonMutating(t *testing.T) {
	html := `<html lang="en"><head><title>Stable</title>
		<meta name="description" content="Same every time">
	</head><body><p>body words here</p><script>x()</script></body></html>`
	doc := mustDoc(t, html)
	e := New()

	first := e.Extract(doc, "https://example.com/")
	second := e.Extract(doc, "https://example.com/")
	require.Equal(t, first, second)
	require.Equal(t, 3, second.WordCount, "document must not be mutated between passes")
}

func TestCleanTextSkipsNonContentElements(t *testing.T) {
	html := `<html><head><title>Head Title</title><meta name="x" content="y"></head>
		<body><style>.a{}</style>visible <b>text</b><script>hidden()</script></body></html>`
	text := CleanText(mustDoc(t, html))
	require.Equal(t, "visible text", text)
}
