// Package ratelimit enforces minimum spacing between requests to a domain,
// backed by the shared TTL cache so state survives across workers.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pagescope/crawler/internal/cache"
	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	Enabled      bool
	DefaultDelay time.Duration
	StateTTL     time.Duration
}

// Limiter spaces request starts per domain. The read-modify-write of a
// domain's state happens under that domain's own lock, so concurrent callers
// to the same domain serialize while unrelated domains proceed in parallel.
type Limiter struct {
	cache  cache.Cache
	clock  crawl.Clock
	cfg    Config
	logger *zap.Logger
	locks  sync.Map // domain -> *sync.Mutex
}

// New creates a Limiter.
func New(c cache.Cache, clock crawl.Clock, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.DefaultDelay <= 0 {
		cfg.DefaultDelay = time.Second
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = time.Hour
	}
	return &Limiter{
		cache:  c,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Wait blocks until at least the effective delay has elapsed since the last
// request start to domain, then records the new request start. The effective
// delay is the stored per-domain delay if present, else requested, else the
// configured default. Cache failures are non-fatal: the limiter fails open
// and treats the domain as having no prior request.
func (l *Limiter) Wait(ctx context.Context, domain string, requested time.Duration) error {
	if !l.cfg.Enabled {
		return nil
	}
	domain = strings.ToLower(domain)

	mu := l.domainLock(domain)
	mu.Lock()
	defer mu.Unlock()

	state := l.loadState(ctx, domain)
	effective := state.CrawlDelay
	if effective <= 0 {
		effective = requested
	}
	if effective <= 0 {
		effective = l.cfg.DefaultDelay
	}

	now := l.clock.Now()
	if !state.LastRequest.IsZero() {
		if elapsed := now.Sub(state.LastRequest); elapsed < effective {
			wait := effective - elapsed
			l.logger.Debug("rate limit wait",
				zap.String("domain", domain),
				zap.Duration("wait", wait),
				zap.Duration("crawl_delay", effective),
			)
			metrics.ObserveRateLimitDelay(domain, wait)
			if err := sleepWithContext(ctx, wait); err != nil {
				return fmt.Errorf("rate limit wait for %s: %w", domain, err)
			}
			now = l.clock.Now()
		}
	}

	state.Domain = domain
	state.LastRequest = now
	state.RequestCount++
	state.CrawlDelay = effective
	l.storeState(ctx, domain, state)
	return nil
}

// Stats returns the current politeness state for a domain. A domain with no
// recent activity reports zero requests and the default delay.
func (l *Limiter) Stats(ctx context.Context, domain string) crawl.DomainRateState {
	domain = strings.ToLower(domain)
	state := l.loadState(ctx, domain)
	state.Domain = domain
	if state.CrawlDelay <= 0 {
		state.CrawlDelay = l.cfg.DefaultDelay
	}
	return state
}

// SetCrawlDelay overrides the delay applied to future requests to domain.
func (l *Limiter) SetCrawlDelay(ctx context.Context, domain string, delay time.Duration) {
	domain = strings.ToLower(domain)
	mu := l.domainLock(domain)
	mu.Lock()
	defer mu.Unlock()

	state := l.loadState(ctx, domain)
	state.Domain = domain
	state.CrawlDelay = delay
	l.storeState(ctx, domain, state)
	l.logger.Info("domain crawl delay updated",
		zap.String("domain", domain),
		zap.Duration("crawl_delay", delay),
	)
}

// IsRateLimited reports whether an immediate request to domain would wait.
// It is a pure read and never mutates state.
func (l *Limiter) IsRateLimited(ctx context.Context, domain string) bool {
	domain = strings.ToLower(domain)
	state := l.loadState(ctx, domain)
	if state.LastRequest.IsZero() {
		return false
	}
	delay := state.CrawlDelay
	if delay <= 0 {
		delay = l.cfg.DefaultDelay
	}
	return l.clock.Now().Sub(state.LastRequest) < delay
}

// ResetStats forgets all politeness state for a domain.
func (l *Limiter) ResetStats(ctx context.Context, domain string) {
	domain = strings.ToLower(domain)
	if err := l.cache.Delete(ctx, cache.RateLimitKey(domain)); err != nil {
		l.logger.Warn("rate state delete failed", zap.String("domain", domain), zap.Error(err))
	}
}

func (l *Limiter) domainLock(domain string) *sync.Mutex {
	actual, _ := l.locks.LoadOrStore(domain, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (l *Limiter) loadState(ctx context.Context, domain string) crawl.DomainRateState {
	raw, ok, err := l.cache.Get(ctx, cache.RateLimitKey(domain))
	if err != nil {
		l.logger.Warn("rate state read failed; failing open", zap.String("domain", domain), zap.Error(err))
		return crawl.DomainRateState{}
	}
	if !ok {
		return crawl.DomainRateState{}
	}
	var state crawl.DomainRateState
	if err := json.Unmarshal(raw, &state); err != nil {
		l.logger.Warn("rate state decode failed; failing open", zap.String("domain", domain), zap.Error(err))
		return crawl.DomainRateState{}
	}
	return state
}

func (l *Limiter) storeState(ctx context.Context, domain string, state crawl.DomainRateState) {
	raw, err := json.Marshal(state)
	if err != nil {
		l.logger.Warn("rate state encode failed", zap.String("domain", domain), zap.Error(err))
		return
	}
	if err := l.cache.Set(ctx, cache.RateLimitKey(domain), raw, l.cfg.StateTTL); err != nil {
		l.logger.Warn("rate state write failed", zap.String("domain", domain), zap.Error(err))
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
