// Package extract turns fetched HTML into structured page metadata.
//
// Extraction is a pure function of the document and its base URL. Every
// field follows an ordered chain of selectors and takes the first non-empty
// result, so a page missing its preferred markup degrades to the next rule
// instead of losing the field.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"golang.org/x/net/html"

	"github.com/pagescope/crawler/internal/crawl"
)

// Field caps, matching what downstream storage columns accept.
const (
	maxTitleLen       = 500
	maxDescriptionLen = 1000
	maxKeywords       = 20
	maxAuthorLen      = 200
	maxLanguageLen    = 10
	maxLinkTextLen    = 200
	maxImages         = 50
	maxLinks          = 100
)

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	wordRE       = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// Extractor resolves page metadata through per-field selector chains.
type Extractor struct {
	titleSelectors       []string
	descriptionSelectors []string
	keywordsSelectors    []string
	authorSelectors      []string
	dateSelectors        []string
}

// New builds an Extractor with the default selector chains.
func New() *Extractor {
	return &Extractor{
		titleSelectors: []string{
			"title",
			"h1",
			`[property="og:title"]`,
			`[name="twitter:title"]`,
			`[itemprop="name"]`,
		},
		descriptionSelectors: []string{
			`[name="description"]`,
			`[property="og:description"]`,
			`[name="twitter:description"]`,
			`[itemprop="description"]`,
		},
		keywordsSelectors: []string{
			`[name="keywords"]`,
			`[property="article:tag"]`,
			`[rel="tag"]`,
		},
		authorSelectors: []string{
			`[name="author"]`,
			`[property="article:author"]`,
			`[name="twitter:creator"]`,
			`[itemprop="author"]`,
			`[rel="author"]`,
		},
		dateSelectors: []string{
			`[property="article:published_time"]`,
			`[name="publication_date"]`,
			`[itemprop="datePublished"]`,
			`[name="date"]`,
			"time[datetime]",
		},
	}
}

// ParseDocument parses raw HTML into a goquery document.
func ParseDocument(body []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// Extract resolves all metadata fields from doc. The document is not
// mutated, so it stays usable for classification afterwards.
func (e *Extractor) Extract(doc *goquery.Document, baseURL string) crawl.PageMetadata {
	base, err := url.Parse(baseURL)
	if err != nil {
		base = nil
	}

	meta := crawl.PageMetadata{
		URL:         baseURL,
		ContentType: "text/html",
	}
	meta.Title = e.extractTitle(doc)
	meta.Description = e.extractDescription(doc)
	meta.Keywords = e.extractKeywords(doc)
	meta.Author = e.extractAuthor(doc)
	meta.PublishedAt = e.extractPublishedDate(doc)
	meta.CanonicalURL = extractCanonicalURL(doc, base)
	meta.Language = extractLanguage(doc)
	meta.WordCount = WordCount(CleanText(doc))
	meta.Images = extractImages(doc, base)
	meta.Links = extractLinks(doc, base)
	return meta
}

func (e *Extractor) extractTitle(doc *goquery.Document) string {
	for _, selector := range e.titleSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		title := selectorValue(sel)
		if title != "" {
			return truncate(collapseWhitespace(title), maxTitleLen)
		}
	}
	return ""
}

func (e *Extractor) extractDescription(doc *goquery.Document) string {
	for _, selector := range e.descriptionSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		desc := selectorValue(sel)
		if desc != "" {
			return truncate(collapseWhitespace(desc), maxDescriptionLen)
		}
	}
	// Last resort: the first paragraph of body text.
	if desc := strings.TrimSpace(doc.Find("p").First().Text()); desc != "" {
		return truncate(collapseWhitespace(desc), maxDescriptionLen)
	}
	return ""
}

func (e *Extractor) extractKeywords(doc *goquery.Document) []string {
	var keywords []string
	seen := make(map[string]struct{})
	add := func(kw string) {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			return
		}
		if _, dup := seen[kw]; dup {
			return
		}
		seen[kw] = struct{}{}
		keywords = append(keywords, kw)
	}

	for _, selector := range e.keywordsSelectors {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if content, ok := sel.Attr("content"); ok {
				for _, kw := range strings.FieldsFunc(content, func(r rune) bool {
					return r == ',' || r == ';'
				}) {
					add(kw)
				}
				return
			}
			add(sel.Text())
		})
	}

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

func (e *Extractor) extractAuthor(doc *goquery.Document) string {
	for _, selector := range e.authorSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		author := selectorValue(sel)
		if author != "" {
			return truncate(author, maxAuthorLen)
		}
	}
	return ""
}

func (e *Extractor) extractPublishedDate(doc *goquery.Document) *time.Time {
	for _, selector := range e.dateSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		candidate := ""
		if content, ok := sel.Attr("content"); ok {
			candidate = strings.TrimSpace(content)
		} else if datetime, ok := sel.Attr("datetime"); ok {
			candidate = strings.TrimSpace(datetime)
		} else {
			candidate = strings.TrimSpace(sel.Text())
		}
		if candidate == "" {
			continue
		}
		// Unparsable candidates are skipped, not fatal.
		if parsed, err := dateparse.ParseAny(candidate); err == nil {
			return &parsed
		}
	}
	return nil
}

func extractCanonicalURL(doc *goquery.Document, base *url.URL) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if resolved, ok := resolveURL(base, href); ok {
			return resolved
		}
	}
	if content, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return ""
}

func extractLanguage(doc *goquery.Document) string {
	if lang, ok := doc.Find("html").First().Attr("lang"); ok && strings.TrimSpace(lang) != "" {
		return truncate(strings.TrimSpace(lang), maxLanguageLen)
	}
	if content, ok := doc.Find(`meta[http-equiv="content-language"]`).First().Attr("content"); ok {
		return truncate(strings.TrimSpace(content), maxLanguageLen)
	}
	return ""
}

func extractImages(doc *goquery.Document, base *url.URL) []crawl.ImageMetadata {
	var images []crawl.ImageMetadata
	doc.Find("img[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, _ := sel.Attr("src")
		resolved, ok := resolveURL(base, src)
		if !ok || strings.HasPrefix(resolved, "data:") {
			return true
		}

		width := intAttr(sel, "width")
		height := intAttr(sel, "height")
		if width > 0 && height > 0 && (width < 50 || height < 50) {
			// Decorative; skip.
			return true
		}

		images = append(images, crawl.ImageMetadata{
			URL:     resolved,
			AltText: strings.TrimSpace(sel.AttrOr("alt", "")),
			Title:   strings.TrimSpace(sel.AttrOr("title", "")),
			Width:   width,
			Height:  height,
		})
		return len(images) < maxImages
	})
	return images
}

func extractLinks(doc *goquery.Document, base *url.URL) []crawl.LinkMetadata {
	var links []crawl.LinkMetadata
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		if strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return true
		}
		resolved, ok := resolveURL(base, href)
		if !ok {
			return true
		}

		rel := sel.AttrOr("rel", "")
		if fields := strings.Fields(rel); len(fields) > 0 {
			rel = fields[0]
		}

		links = append(links, crawl.LinkMetadata{
			URL:   resolved,
			Text:  truncate(strings.TrimSpace(sel.Text()), maxLinkTextLen),
			Title: strings.TrimSpace(sel.AttrOr("title", "")),
			Rel:   rel,
		})
		return len(links) < maxLinks
	})
	return links
}

// CleanText returns the document's visible text with script, style, head,
// title, and meta content removed and whitespace collapsed. The document is
// walked, not mutated.
func CleanText(doc *goquery.Document) string {
	var sb strings.Builder
	for _, root := range doc.Nodes {
		appendCleanText(&sb, root)
	}
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(sb.String(), " "))
}

func appendCleanText(sb *strings.Builder, node *html.Node) {
	if node.Type == html.ElementNode {
		switch node.Data {
		case "script", "style", "head", "title", "meta":
			return
		}
	}
	if node.Type == html.TextNode {
		sb.WriteString(node.Data)
		sb.WriteByte(' ')
		return
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		appendCleanText(sb, child)
	}
}

// WordCount counts word tokens in text.
func WordCount(text string) int {
	return len(wordRE.FindAllString(strings.ToLower(text), -1))
}

func selectorValue(sel *goquery.Selection) string {
	if goquery.NodeName(sel) == "title" {
		return strings.TrimSpace(sel.Text())
	}
	if content, ok := sel.Attr("content"); ok {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(sel.Text())
}

func resolveURL(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base == nil {
		return parsed.String(), true
	}
	return base.ResolveReference(parsed).String(), true
}

func intAttr(sel *goquery.Selection, name string) int {
	raw, ok := sel.Attr(name)
	if !ok {
		return 0
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return 0
	}
	return value
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
