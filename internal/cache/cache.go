// Package cache defines the shared TTL key-value store used for politeness
// state, robots policies, and completed-result caching.
package cache

import (
	"context"
	"time"
)

// Key prefixes shared by all cache users.
const (
	RateLimitKeyPrefix   = "rate_limit:"
	RobotsTxtKeyPrefix   = "robots_txt:"
	CrawlResultKeyPrefix = "crawl_result:"
)

// Cache is a generic TTL key-value store. Entries expire after their TTL and
// a Get after expiry behaves as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// RateLimitKey returns the politeness state key for a domain.
func RateLimitKey(domain string) string {
	return RateLimitKeyPrefix + domain
}

// RobotsTxtKey returns the robots policy key for a domain.
func RobotsTxtKey(domain string) string {
	return RobotsTxtKeyPrefix + domain
}

// CrawlResultKey returns the completed-result key for a record ID.
func CrawlResultKey(id string) string {
	return CrawlResultKeyPrefix + id
}
