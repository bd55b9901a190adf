// Package crawl defines core types shared across subsystems.
package crawl

import (
	"net/http"
	"time"
)

// Status represents the lifecycle state of a crawl record.
type Status string

// Status values persisted in the record store.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders pending requests; higher is more urgent.
type Priority int

// Priority levels accepted on submission.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Request captures a single crawl submission. Immutable once submitted.
type Request struct {
	URL           string            `json:"url"`
	Priority      Priority          `json:"priority"`
	MaxRetries    int               `json:"max_retries"`
	CrawlDelay    time.Duration     `json:"crawl_delay"`
	RespectRobots bool              `json:"respect_robots_txt"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Record is the persisted state of one submitted crawl.
// It is owned by the orchestrator and mutated only through status transitions.
type Record struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Domain       string     `json:"domain"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Request      Request    `json:"request"`
}

// ImageMetadata describes an image found on a page.
type ImageMetadata struct {
	URL     string `json:"url"`
	AltText string `json:"alt_text,omitempty"`
	Title   string `json:"title,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
}

// LinkMetadata describes an outbound link found on a page.
type LinkMetadata struct {
	URL   string `json:"url"`
	Text  string `json:"text,omitempty"`
	Title string `json:"title,omitempty"`
	Rel   string `json:"rel,omitempty"`
}

// TopicClassification is one ranked topic label for a page.
// Confidence is always clamped to [0,1], including after URL boosting.
type TopicClassification struct {
	Topic      string   `json:"topic"`
	Confidence float64  `json:"confidence"`
	Keywords   []string `json:"keywords,omitempty"`
}

// PageMetadata holds everything extracted from a successfully fetched page.
// Created once per fetch; immutable afterwards.
type PageMetadata struct {
	URL            string                `json:"url"`
	Title          string                `json:"title,omitempty"`
	Description    string                `json:"description,omitempty"`
	Keywords       []string              `json:"keywords,omitempty"`
	Author         string                `json:"author,omitempty"`
	PublishedAt    *time.Time            `json:"published_date,omitempty"`
	CanonicalURL   string                `json:"canonical_url,omitempty"`
	Language       string                `json:"language,omitempty"`
	ContentType    string                `json:"content_type"`
	WordCount      int                   `json:"word_count"`
	Images         []ImageMetadata       `json:"images,omitempty"`
	Links          []LinkMetadata        `json:"links,omitempty"`
	Topics         []TopicClassification `json:"topics,omitempty"`
	CrawledAt      time.Time             `json:"crawl_timestamp"`
	ResponseTimeMs int64                 `json:"response_time_ms"`
	StatusCode     int                   `json:"status_code"`
	ContentHash    string                `json:"content_hash,omitempty"`
	Headers        map[string]string     `json:"headers,omitempty"`
}

// HistoryEntry is one row of the append-only crawl history log.
type HistoryEntry struct {
	RecordID       string    `json:"record_id,omitempty"`
	URL            string    `json:"url"`
	Domain         string    `json:"domain"`
	Status         string    `json:"status"`
	StatusCode     int       `json:"status_code,omitempty"`
	ResponseTimeMs int64     `json:"response_time_ms,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	At             time.Time `json:"crawl_timestamp"`
}

// DomainRateState is the shared per-domain politeness state kept in the cache.
// Expires via TTL so idle domains forget their history.
type DomainRateState struct {
	Domain       string        `json:"domain"`
	LastRequest  time.Time     `json:"last_request_time"`
	RequestCount int64         `json:"request_count"`
	CrawlDelay   time.Duration `json:"crawl_delay"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL          string
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
