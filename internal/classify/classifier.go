// Package classify assigns ranked topic labels to extracted pages using a
// static keyword table. Classification is a pure function of the document
// text, the extracted metadata, and the page URL.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/extract"
)

const (
	urlConfidence      = 0.7
	urlBoost           = 0.2
	maxBodyTextChars   = 10000
	maxTopicKeywords   = 5
	defaultMinScore    = 0.5
	defaultMaxTopics   = 10
	frequencyBoostCap  = 0.5
	diversityBoostCap  = 0.3
	diversityBoostBase = 10
)

// Config holds classifier tuning knobs.
type Config struct {
	MinConfidence float64
	MaxTopics     int
}

// Classifier scores pages against the topic keyword table.
type Classifier struct {
	cfg      Config
	patterns []compiledTopic
}

type compiledTopic struct {
	topic    string
	keywords []string
	pattern  *regexp.Regexp
}

// New compiles the topic table into word-boundary matchers.
func New(cfg Config) *Classifier {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = defaultMinScore
	}
	if cfg.MaxTopics <= 0 {
		cfg.MaxTopics = defaultMaxTopics
	}

	patterns := make([]compiledTopic, 0, len(topicTable))
	for _, entry := range topicTable {
		escaped := make([]string, 0, len(entry.keywords))
		for _, kw := range entry.keywords {
			escaped = append(escaped, regexp.QuoteMeta(kw))
		}
		pattern := regexp.MustCompile(fmt.Sprintf(`(?i)\b(?:%s)\b`, strings.Join(escaped, "|")))
		patterns = append(patterns, compiledTopic{
			topic:    entry.topic,
			keywords: entry.keywords,
			pattern:  pattern,
		})
	}
	return &Classifier{cfg: cfg, patterns: patterns}
}

// Classify scores the page text against every topic, merges in URL-derived
// topics, and returns the ranked result. Identical inputs always produce an
// identical ordered list.
func (c *Classifier) Classify(doc *goquery.Document, meta crawl.PageMetadata) []crawl.TopicClassification {
	allText := c.combinedText(doc, meta)
	classifications := c.classifyText(allText)
	return c.enhanceWithURL(classifications, meta.URL)
}

// combinedText concatenates the title, description, keywords, and the first
// chunk of cleaned body text into the scoring corpus.
func (c *Classifier) combinedText(doc *goquery.Document, meta crawl.PageMetadata) string {
	body := extract.CleanText(doc)
	if runes := []rune(body); len(runes) > maxBodyTextChars {
		body = string(runes[:maxBodyTextChars])
	}

	parts := make([]string, 0, 4)
	for _, part := range []string{meta.Title, meta.Description, strings.Join(meta.Keywords, " "), body} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

func (c *Classifier) classifyText(text string) []crawl.TopicClassification {
	wordCount := len(strings.Fields(text))
	if wordCount == 0 {
		return nil
	}

	var classifications []crawl.TopicClassification
	for _, ct := range c.patterns {
		matches := ct.pattern.FindAllString(strings.ToLower(text), -1)
		if len(matches) == 0 {
			continue
		}

		unique := make(map[string]struct{}, len(matches))
		for _, m := range matches {
			unique[m] = struct{}{}
		}

		baseScore := float64(len(unique)) / float64(len(ct.keywords))
		frequencyBoost := min(float64(len(matches))/float64(wordCount)*100, frequencyBoostCap)
		diversityBoost := min(float64(len(unique))/diversityBoostBase, diversityBoostCap)
		score := baseScore + frequencyBoost + diversityBoost

		if score < c.cfg.MinConfidence {
			continue
		}
		classifications = append(classifications, crawl.TopicClassification{
			Topic:      ct.topic,
			Confidence: min(score, 1.0),
			Keywords:   topKeywords(matches),
		})
	}

	sortByConfidence(classifications)
	if len(classifications) > c.cfg.MaxTopics {
		classifications = classifications[:c.cfg.MaxTopics]
	}
	return classifications
}

// classifyByURL maps path and domain substrings to topics at a flat
// confidence. At most one hit per topic.
func classifyByURL(rawURL string) []crawl.TopicClassification {
	urlLower := strings.ToLower(rawURL)
	var classifications []crawl.TopicClassification
	for _, entry := range urlTable {
		for _, pattern := range entry.keywords {
			if strings.Contains(urlLower, pattern) {
				classifications = append(classifications, crawl.TopicClassification{
					Topic:      entry.topic,
					Confidence: urlConfidence,
					Keywords:   []string{strings.Trim(pattern, "/")},
				})
				break
			}
		}
	}
	return classifications
}

// enhanceWithURL boosts text-derived topics confirmed by the URL and appends
// URL-only topics, then re-ranks and re-caps the list.
func (c *Classifier) enhanceWithURL(classifications []crawl.TopicClassification, rawURL string) []crawl.TopicClassification {
	merged := make([]crawl.TopicClassification, len(classifications))
	copy(merged, classifications)

	index := make(map[string]int, len(merged))
	for i, cl := range merged {
		index[cl.Topic] = i
	}

	for _, urlCl := range classifyByURL(rawURL) {
		if i, ok := index[urlCl.Topic]; ok {
			merged[i].Confidence = min(merged[i].Confidence+urlBoost, 1.0)
			continue
		}
		index[urlCl.Topic] = len(merged)
		merged = append(merged, urlCl)
	}

	sortByConfidence(merged)
	if len(merged) > c.cfg.MaxTopics {
		merged = merged[:c.cfg.MaxTopics]
	}
	return merged
}

// topKeywords returns the most frequent matched keywords, most common first,
// ties broken lexicographically so the result is stable.
func topKeywords(matches []string) []string {
	counts := make(map[string]int, len(matches))
	for _, m := range matches {
		counts[m]++
	}
	keywords := make([]string, 0, len(counts))
	for kw := range counts {
		keywords = append(keywords, kw)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})
	if len(keywords) > maxTopicKeywords {
		keywords = keywords[:maxTopicKeywords]
	}
	return keywords
}

func sortByConfidence(classifications []crawl.TopicClassification) {
	sort.SliceStable(classifications, func(i, j int) bool {
		return classifications[i].Confidence > classifications[j].Confidence
	})
}
