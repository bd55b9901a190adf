// Package robots evaluates robots.txt policy per host, with fetched policies
// held in the shared TTL cache so repeated crawls of a host reuse one fetch.
package robots

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/pagescope/crawler/internal/cache"
	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/metrics"
)

const maxRobotsBytes = 1 << 20

// Config holds robots gate configuration.
type Config struct {
	Respect   bool
	UserAgent string
	TTL       time.Duration
}

// policyEntry is the cached form of a host's robots.txt. Fetch failures are
// cached too, as a 404 entry, so an unreachable host is not re-probed on
// every request. A 404 parses to an allow-all policy.
type policyEntry struct {
	Found     bool      `json:"found"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Gate answers whether a URL may be crawled under its host's robots.txt.
// Policy lookups fail open: a host whose robots.txt cannot be fetched or
// parsed is treated as allowing everything.
type Gate struct {
	client *http.Client
	cache  cache.Cache
	clock  crawl.Clock
	cfg    Config
	logger *zap.Logger
}

// New creates a Gate.
func New(c cache.Cache, clock crawl.Clock, cfg Config, logger *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Gate{
		client: &http.Client{Timeout: 10 * time.Second},
		cache:  c,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// CanCrawl reports whether userAgent may fetch rawURL. An empty userAgent
// falls back to the configured agent. The only error case is an unparseable
// URL; policy trouble never blocks the crawl.
func (g *Gate) CanCrawl(ctx context.Context, rawURL, userAgent string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if !g.cfg.Respect {
		return true, nil
	}
	data := g.load(ctx, parsed)
	group := data.FindGroup(g.agent(userAgent))
	if group == nil {
		return true, nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	if !group.Test(target) {
		metrics.ObserveRobotsBlocked(strings.ToLower(parsed.Hostname()))
		g.logger.Info("url blocked by robots.txt",
			zap.String("url", rawURL),
			zap.String("user_agent", g.agent(userAgent)),
		)
		return false, nil
	}
	return true, nil
}

// CrawlDelay returns the Crawl-delay directive for userAgent on rawURL's
// host, and whether one is declared.
func (g *Gate) CrawlDelay(ctx context.Context, rawURL, userAgent string) (time.Duration, bool) {
	if !g.cfg.Respect {
		return 0, false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	group := g.load(ctx, parsed).FindGroup(g.agent(userAgent))
	if group == nil || group.CrawlDelay <= 0 {
		return 0, false
	}
	return group.CrawlDelay, true
}

// Sitemaps returns the sitemap URLs declared by rawURL's host.
func (g *Gate) Sitemaps(ctx context.Context, rawURL string) ([]string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	return g.load(ctx, parsed).Sitemaps, nil
}

func (g *Gate) agent(userAgent string) string {
	if userAgent != "" {
		return userAgent
	}
	return g.cfg.UserAgent
}

// load returns the parsed robots policy for the URL's host, consulting the
// cache first and fetching on a miss. It always returns usable data.
func (g *Gate) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	host := strings.ToLower(parsed.Host)
	key := cache.RobotsTxtKey(host)

	if raw, ok, err := g.cache.Get(ctx, key); err != nil {
		g.logger.Warn("robots cache read failed", zap.String("host", host), zap.Error(err))
	} else if ok {
		var entry policyEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			if data, perr := robotstxt.FromStatusAndBytes(entry.Status, entry.Body); perr == nil {
				return data
			}
		}
		g.logger.Warn("robots cache entry unreadable; refetching", zap.String("host", host))
	}

	entry := g.fetch(ctx, parsed)
	if raw, err := json.Marshal(entry); err == nil {
		if err := g.cache.Set(ctx, key, raw, g.cfg.TTL); err != nil {
			g.logger.Warn("robots cache write failed", zap.String("host", host), zap.Error(err))
		}
	}

	data, err := robotstxt.FromStatusAndBytes(entry.Status, entry.Body)
	if err != nil {
		g.logger.Warn("robots parse failed; allowing access", zap.String("host", host), zap.Error(err))
		data, _ = robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
	}
	return data
}

func (g *Gate) fetch(ctx context.Context, parsed *url.URL) policyEntry {
	entry := policyEntry{Status: http.StatusNotFound, FetchedAt: g.clock.Now()}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		g.logger.Warn("robots request build failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return entry
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return entry
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		g.logger.Warn("robots body read failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return entry
	}

	entry.Status = resp.StatusCode
	entry.Body = body
	entry.Found = resp.StatusCode == http.StatusOK
	return entry
}
