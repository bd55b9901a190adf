// Package app initializes and holds long-lived application services, acting
// as the dependency injection container for the crawl service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/pagescope/crawler/internal/api"
	"github.com/pagescope/crawler/internal/cache"
	"github.com/pagescope/crawler/internal/classify"
	clocksystem "github.com/pagescope/crawler/internal/clock/system"
	"github.com/pagescope/crawler/internal/config"
	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/extract"
	collyfetch "github.com/pagescope/crawler/internal/fetch/colly"
	"github.com/pagescope/crawler/internal/hash/sha256"
	uuidgen "github.com/pagescope/crawler/internal/id/uuid"
	"github.com/pagescope/crawler/internal/metrics"
	"github.com/pagescope/crawler/internal/orchestrator"
	publisherMemory "github.com/pagescope/crawler/internal/publisher/memory"
	publisherPubSub "github.com/pagescope/crawler/internal/publisher/pubsub"
	"github.com/pagescope/crawler/internal/ratelimit"
	"github.com/pagescope/crawler/internal/robots"
	storageMemory "github.com/pagescope/crawler/internal/storage/memory"
	storagePostgres "github.com/pagescope/crawler/internal/storage/postgres"
)

// shutdownGrace bounds how long Run waits for in-flight work on exit.
const shutdownGrace = 30 * time.Second

// App holds the shared, long-lived services for the crawl service. It is
// initialized once at startup and fails fast if any backend cannot be
// reached.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	cache        cache.Cache
	store        crawl.Store
	pgStore      *storagePostgres.Store
	pubsubClient *pubsub.Client

	orch   *orchestrator.Orchestrator
	server *http.Server
}

// New builds the service from configuration: cache, record store, event
// publisher, politeness stack, orchestrator, and the HTTP server.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	a := &App{cfg: cfg, logger: logger}

	c, err := newCache(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.cache = c

	store, err := a.newStore(ctx, cfg, logger)
	if err != nil {
		a.closeBackends()
		return nil, err
	}
	a.store = store

	pub, err := a.newPublisher(ctx, cfg, logger)
	if err != nil {
		a.closeBackends()
		return nil, err
	}

	clock := clocksystem.Clock{}
	limiter := ratelimit.New(c, clock, ratelimit.Config{
		Enabled:      cfg.Crawler.RateLimitEnabled,
		DefaultDelay: cfg.Crawler.DefaultCrawlDelay,
		StateTTL:     cfg.Crawler.RateStateTTL,
	}, logger)
	gate := robots.New(c, clock, robots.Config{
		Respect:   cfg.Robots.Respect,
		UserAgent: cfg.Crawler.UserAgent,
		TTL:       cfg.Robots.CacheTTL,
	}, logger)
	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.RequestTimeout,
		MaxBodyBytes: cfg.Crawler.MaxContentBytes,
	})

	a.orch = orchestrator.New(orchestrator.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		MaxConcurrent:   int64(cfg.Crawler.MaxConcurrent),
		RequestTimeout:  cfg.Crawler.RequestTimeout,
		MaxContentBytes: cfg.Crawler.MaxContentBytes,
		MaxRetries:      cfg.Crawler.MaxRetries,
		RespectRobots:   cfg.Robots.Respect,
		ClassifyEnabled: cfg.Classify.Enabled,
		ResultTTL:       cfg.Crawler.ResultCacheTTL,
		EventTopic:      cfg.PubSub.TopicName,
	}, orchestrator.Deps{
		Store:      store,
		Cache:      c,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Gate:       gate,
		Extractor:  extract.New(),
		Classifier: classify.New(classify.Config{
			MinConfidence: cfg.Classify.MinConfidence,
			MaxTopics:     cfg.Classify.MaxTopics,
		}),
		Publisher: pub,
		Clock:     clock,
		IDs:       uuidgen.NewUUIDGenerator(),
		Hasher:    sha256.New(),
		Logger:    logger,
	})

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(a.orch, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Orchestrator exposes the crawl service, primarily for tests and tooling.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Run serves HTTP until ctx is canceled, then drains in-flight crawls and
// shuts the server down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.shutdown(context.Background())
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		a.shutdown(context.Background())
		return nil
	}
}

func (a *App) shutdown(ctx context.Context) {
	graceCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	if err := a.server.Shutdown(graceCtx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := a.orch.Shutdown(graceCtx); err != nil {
		a.logger.Warn("orchestrator shutdown", zap.Error(err))
	}
	a.closeBackends()
	a.logger.Info("shutdown complete")
}

func (a *App) closeBackends() {
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close", zap.Error(err))
		}
		a.cache = nil
	}
}

func newCache(cfg config.Config, logger *zap.Logger) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "badger":
		logger.Info("using badger cache", zap.String("dir", cfg.Cache.Dir))
		c, err := cache.NewBadger(cfg.Cache.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return c, nil
	case "memory":
		logger.Info("using in-memory cache")
		return cache.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func (a *App) newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.Store, error) {
	switch cfg.DB.Backend {
	case "postgres":
		logger.Info("connecting to postgres")
		store, err := storagePostgres.NewStore(ctx, storagePostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.pgStore = store
		return store, nil
	case "memory":
		logger.Info("using in-memory record store")
		return storageMemory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.DB.Backend)
	}
}

func (a *App) newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.Publisher, error) {
	if !cfg.PubSub.Enabled {
		logger.Info("pubsub disabled, completion events stay in memory")
		return publisherMemory.New(), nil
	}
	logger.Info("connecting to pubsub",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.pubsubClient = client
	return publisherPubSub.New(client), nil
}
