// Package orchestrator sequences the crawl pipeline: robots gate, rate
// limiter, fetch, validation, extraction, classification, persistence.
//
// It is also the error boundary. Every failure inside a crawl task resolves
// into a terminal Failed record; nothing panics or propagates out of the
// task pool except persistence failures during the final save, which the
// caller must see because a record cannot be completed without a durable
// write.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pagescope/crawler/internal/cache"
	"github.com/pagescope/crawler/internal/classify"
	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/extract"
	"github.com/pagescope/crawler/internal/metrics"
)

// RateLimiter is the slice of the rate limiter the orchestrator consumes.
type RateLimiter interface {
	Wait(ctx context.Context, domain string, requested time.Duration) error
	Stats(ctx context.Context, domain string) crawl.DomainRateState
}

// RobotsPolicy is the slice of the robots gate the orchestrator consumes.
type RobotsPolicy interface {
	CanCrawl(ctx context.Context, rawURL, userAgent string) (bool, error)
	CrawlDelay(ctx context.Context, rawURL, userAgent string) (time.Duration, bool)
}

// Config holds orchestrator tuning knobs.
type Config struct {
	UserAgent       string
	MaxConcurrent   int64
	RequestTimeout  time.Duration
	MaxContentBytes int64
	MaxRetries      int
	RespectRobots   bool
	ClassifyEnabled bool
	ResultTTL       time.Duration
	EventTopic      string
}

// Event is the completion notification published per terminal record.
type Event struct {
	RecordID     string    `json:"record_id"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	At           time.Time `json:"at"`
}

// cachedResult is the envelope stored under crawl_result keys.
type cachedResult struct {
	Record   crawl.Record        `json:"record"`
	Metadata *crawl.PageMetadata `json:"metadata,omitempty"`
}

// Orchestrator drives crawl tasks to a terminal state. Submissions are
// tracked: every spawned task is registered with a WaitGroup so a shutdown
// can drain in-flight work instead of silently dropping it.
type Orchestrator struct {
	cfg        Config
	store      crawl.Store
	cache      cache.Cache
	fetcher    crawl.Fetcher
	limiter    RateLimiter
	gate       RobotsPolicy
	extractor  *extract.Extractor
	classifier *classify.Classifier
	publisher  crawl.Publisher
	clock      crawl.Clock
	ids        crawl.IDGenerator
	hasher     crawl.Hasher
	logger     *zap.Logger

	sem *semaphore.Weighted

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      crawl.Store
	Cache      cache.Cache
	Fetcher    crawl.Fetcher
	Limiter    RateLimiter
	Gate       RobotsPolicy
	Extractor  *extract.Extractor
	Classifier *classify.Classifier
	Publisher  crawl.Publisher
	Clock      crawl.Clock
	IDs        crawl.IDGenerator
	Hasher     crawl.Hasher
	Logger     *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 10 << 20
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = "crawl-events"
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		cache:      deps.Cache,
		fetcher:    deps.Fetcher,
		limiter:    deps.Limiter,
		gate:       deps.Gate,
		extractor:  deps.Extractor,
		classifier: deps.Classifier,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		ids:        deps.IDs,
		hasher:     deps.Hasher,
		logger:     deps.Logger,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		rootCtx:    rootCtx,
		cancel:     cancel,
	}
}

// SubmitSingle validates and records a crawl request, schedules it, and
// returns the record ID immediately. The result is retrievable later via
// GetResult.
func (o *Orchestrator) SubmitSingle(ctx context.Context, req crawl.Request) (string, error) {
	record, err := o.createRecord(ctx, req)
	if err != nil {
		return "", err
	}
	o.spawn(record.ID)
	return record.ID, nil
}

// SubmitBatch records one crawl per request and schedules the whole batch
// under the concurrency gate. It returns the batch ID and per-URL record IDs.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []crawl.Request) (string, []string, error) {
	if len(reqs) == 0 {
		return "", nil, fmt.Errorf("batch contains no requests")
	}
	batchID, err := o.ids.NewID()
	if err != nil {
		return "", nil, fmt.Errorf("generate batch id: %w", err)
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		record, err := o.createRecord(ctx, req)
		if err != nil {
			return "", nil, fmt.Errorf("batch %s: %w", batchID, err)
		}
		ids = append(ids, record.ID)
	}

	for _, id := range ids {
		o.spawn(id)
	}
	o.logger.Info("batch submitted",
		zap.String("batch_id", batchID),
		zap.Int("count", len(ids)),
	)
	return batchID, ids, nil
}

// ProcessBatch runs every request to a terminal state before returning.
// Individual failures do not cancel siblings; the returned IDs cover all
// records, whatever state they reached.
func (o *Orchestrator) ProcessBatch(ctx context.Context, reqs []crawl.Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("batch contains no requests")
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		record, err := o.createRecord(ctx, req)
		if err != nil {
			return nil, err
		}
		ids = append(ids, record.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(recordID string) {
			defer wg.Done()
			o.runGated(ctx, recordID)
		}(id)
	}
	wg.Wait()
	return ids, nil
}

// GetResult returns the record and, when completed, its metadata. Terminal
// results are served from the cache when possible.
func (o *Orchestrator) GetResult(ctx context.Context, id string) (crawl.Record, *crawl.PageMetadata, error) {
	if raw, ok, err := o.cache.Get(ctx, cache.CrawlResultKey(id)); err == nil && ok {
		var cached cachedResult
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached.Record, cached.Metadata, nil
		}
	}

	record, err := o.store.GetRecord(ctx, id)
	if err != nil {
		return crawl.Record{}, nil, err
	}
	var meta *crawl.PageMetadata
	if record.Status == crawl.StatusCompleted {
		if m, ok, err := o.store.GetMetadata(ctx, id); err == nil && ok {
			meta = &m
		}
	}
	if record.Status.Terminal() {
		o.cacheResult(ctx, record, meta)
	}
	return record, meta, nil
}

// DeleteResult removes a record, its metadata, and its cached copy.
func (o *Orchestrator) DeleteResult(ctx context.Context, id string) error {
	if err := o.store.DeleteRecord(ctx, id); err != nil {
		return err
	}
	if err := o.cache.Delete(ctx, cache.CrawlResultKey(id)); err != nil {
		o.logger.Warn("result cache delete failed", zap.String("record_id", id), zap.Error(err))
	}
	return nil
}

// Retry moves a failed record back to pending and reschedules it. Retrying
// is always explicit; the orchestrator never retries on its own.
func (o *Orchestrator) Retry(ctx context.Context, id string) (crawl.Record, error) {
	record, err := o.store.MarkRetry(ctx, id)
	if err != nil {
		return crawl.Record{}, err
	}
	if err := o.cache.Delete(ctx, cache.CrawlResultKey(id)); err != nil {
		o.logger.Warn("result cache delete failed", zap.String("record_id", id), zap.Error(err))
	}
	o.logger.Info("record rescheduled",
		zap.String("record_id", id),
		zap.Int("retry_count", record.RetryCount),
	)
	o.spawn(id)
	return record, nil
}

// DomainStats reports the politeness state for a domain.
func (o *Orchestrator) DomainStats(ctx context.Context, domain string) crawl.DomainRateState {
	return o.limiter.Stats(ctx, domain)
}

// ListRecords passes through to the store.
func (o *Orchestrator) ListRecords(ctx context.Context, domain string, limit, offset int) ([]crawl.Record, error) {
	return o.store.ListRecords(ctx, domain, limit, offset)
}

// Shutdown waits for in-flight tasks to finish. If ctx expires first the
// remaining tasks are canceled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// createRecord validates the request and persists a pending record.
func (o *Orchestrator) createRecord(ctx context.Context, req crawl.Request) (crawl.Record, error) {
	domain, err := validateURL(req.URL)
	if err != nil {
		return crawl.Record{}, err
	}
	if req.Priority == 0 {
		req.Priority = crawl.PriorityNormal
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = o.cfg.MaxRetries
	}

	id, err := o.ids.NewID()
	if err != nil {
		return crawl.Record{}, fmt.Errorf("generate record id: %w", err)
	}
	record := crawl.Record{
		ID:        id,
		URL:       req.URL,
		Domain:    domain,
		Status:    crawl.StatusPending,
		CreatedAt: o.clock.Now(),
		Request:   req,
	}
	if err := o.store.CreateRecord(ctx, record); err != nil {
		return crawl.Record{}, fmt.Errorf("create record: %w", err)
	}
	return record, nil
}

// spawn runs one record's crawl as a tracked task.
func (o *Orchestrator) spawn(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runGated(o.rootCtx, id)
	}()
}

// runGated executes ProcessSingle under the shared concurrency gate.
func (o *Orchestrator) runGated(ctx context.Context, id string) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.failSafely(ctx, id, fmt.Sprintf("canceled before start: %v", err), 0)
		return
	}
	defer o.sem.Release(1)

	if err := o.ProcessSingle(ctx, id); err != nil {
		o.logger.Error("crawl task failed to persist",
			zap.String("record_id", id),
			zap.Error(err),
		)
	}
}

// ProcessSingle drives one record from pending to a terminal state. The only
// error it returns is a persistence failure on the completing save; every
// other failure is absorbed into a terminal Failed record.
func (o *Orchestrator) ProcessSingle(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("crawl task panicked",
				zap.String("record_id", id),
				zap.Any("panic", r),
			)
			o.failSafely(ctx, id, fmt.Sprintf("internal error: %v", r), 0)
			err = nil
		}
	}()

	record, err := o.store.GetRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("load record %s: %w", id, err)
	}
	if err := o.store.MarkProcessing(ctx, id); err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}

	metrics.IncInflight()
	defer metrics.DecInflight()

	userAgent := record.Request.UserAgent
	if userAgent == "" {
		userAgent = o.cfg.UserAgent
	}

	// Robots gate runs before any fetch. A disallowed URL is terminal and
	// the target host is never contacted.
	if o.cfg.RespectRobots && record.Request.RespectRobots {
		allowed, err := o.gate.CanCrawl(ctx, record.URL, userAgent)
		if err != nil {
			o.fail(ctx, record, fmt.Sprintf("invalid url: %v", err), 0)
			return nil
		}
		if !allowed {
			o.fail(ctx, record, crawl.ErrRobotsDisallowed.Error(), 0)
			return nil
		}
	}

	// Politeness delay: the stricter of the requested delay and the
	// robots-declared delay wins.
	delay := record.Request.CrawlDelay
	if o.cfg.RespectRobots && record.Request.RespectRobots {
		if robotsDelay, ok := o.gate.CrawlDelay(ctx, record.URL, userAgent); ok && robotsDelay > delay {
			delay = robotsDelay
		}
	}
	if err := o.limiter.Wait(ctx, record.Domain, delay); err != nil {
		o.fail(ctx, record, fmt.Sprintf("rate limit wait: %v", err), 0)
		return nil
	}

	resp, err := o.fetcher.Fetch(ctx, crawl.FetchRequest{
		URL:          record.URL,
		UserAgent:    userAgent,
		Headers:      record.Request.Headers,
		Timeout:      o.cfg.RequestTimeout,
		MaxBodyBytes: o.cfg.MaxContentBytes,
	})
	if err != nil {
		o.fail(ctx, record, fetchFailureMessage(err), 0)
		return nil
	}
	metrics.ObserveFetch(record.Domain, len(resp.Body), resp.Duration)

	if resp.StatusCode != 200 {
		o.fail(ctx, record,
			fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode),
			resp.StatusCode)
		return nil
	}
	contentType := resp.Headers.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		o.fail(ctx, record,
			fmt.Sprintf("unsupported content type %q", contentType),
			resp.StatusCode)
		return nil
	}

	doc, err := extract.ParseDocument(resp.Body)
	if err != nil {
		o.fail(ctx, record, fmt.Sprintf("parse document: %v", err), resp.StatusCode)
		return nil
	}
	meta := o.extractor.Extract(doc, record.URL)
	if o.cfg.ClassifyEnabled {
		meta.Topics = o.classifier.Classify(doc, meta)
	}

	hash, err := o.hasher.Hash(resp.Body)
	if err != nil {
		o.fail(ctx, record, fmt.Sprintf("hash content: %v", err), resp.StatusCode)
		return nil
	}
	meta.ResponseTimeMs = resp.Duration.Milliseconds()
	meta.StatusCode = resp.StatusCode
	meta.ContentHash = hash
	meta.Headers = flattenHeaders(resp.Headers)
	meta.CrawledAt = o.clock.Now()

	// A canceled task discards everything extracted so far rather than
	// persisting a partial result.
	if ctx.Err() != nil {
		o.fail(ctx, record, fmt.Sprintf("canceled: %v", ctx.Err()), 0)
		return nil
	}

	if err := o.store.CompleteRecord(ctx, id, meta); err != nil {
		return fmt.Errorf("complete record %s: %w", id, err)
	}
	record.Status = crawl.StatusCompleted
	now := o.clock.Now()
	record.CompletedAt = &now
	record.ErrorMessage = ""

	o.cacheResult(ctx, record, &meta)
	o.appendHistory(ctx, record, string(crawl.StatusCompleted), resp.StatusCode, meta.ResponseTimeMs, "")
	metrics.ObserveCrawl(string(crawl.StatusCompleted))
	o.publish(ctx, record)

	o.logger.Info("crawl completed",
		zap.String("record_id", id),
		zap.String("url", record.URL),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("word_count", meta.WordCount),
		zap.Int("topics", len(meta.Topics)),
	)
	return nil
}

// fail resolves a record into terminal Failed with bookkeeping.
func (o *Orchestrator) fail(ctx context.Context, record crawl.Record, reason string, statusCode int) {
	// Use a fresh context so a canceled task can still write its terminal
	// state.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSave()

	if err := o.store.FailRecord(saveCtx, record.ID, reason); err != nil {
		o.logger.Error("failed to mark record failed",
			zap.String("record_id", record.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	record.Status = crawl.StatusFailed
	record.ErrorMessage = reason
	now := o.clock.Now()
	record.CompletedAt = &now

	o.cacheResult(saveCtx, record, nil)
	o.appendHistory(saveCtx, record, string(crawl.StatusFailed), statusCode, 0, reason)
	metrics.ObserveCrawl(string(crawl.StatusFailed))
	o.publish(saveCtx, record)

	o.logger.Warn("crawl failed",
		zap.String("record_id", record.ID),
		zap.String("url", record.URL),
		zap.String("reason", reason),
	)
}

// failSafely is fail for paths where the record may not be loadable.
func (o *Orchestrator) failSafely(ctx context.Context, id, reason string, statusCode int) {
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSave()

	record, err := o.store.GetRecord(saveCtx, id)
	if err != nil {
		o.logger.Error("record unavailable for failure bookkeeping",
			zap.String("record_id", id),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	if record.Status.Terminal() {
		return
	}
	o.fail(saveCtx, record, reason, statusCode)
}

func (o *Orchestrator) cacheResult(ctx context.Context, record crawl.Record, meta *crawl.PageMetadata) {
	raw, err := json.Marshal(cachedResult{Record: record, Metadata: meta})
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, cache.CrawlResultKey(record.ID), raw, o.cfg.ResultTTL); err != nil {
		o.logger.Warn("result cache write failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}

func (o *Orchestrator) appendHistory(ctx context.Context, record crawl.Record, status string, statusCode int, responseTimeMs int64, errMsg string) {
	entry := crawl.HistoryEntry{
		RecordID:       record.ID,
		URL:            record.URL,
		Domain:         record.Domain,
		Status:         status,
		StatusCode:     statusCode,
		ResponseTimeMs: responseTimeMs,
		ErrorMessage:   errMsg,
		At:             o.clock.Now(),
	}
	if err := o.store.AppendHistory(ctx, entry); err != nil {
		o.logger.Warn("history append failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, record crawl.Record) {
	if o.publisher == nil {
		return
	}
	event := Event{
		RecordID:     record.ID,
		URL:          record.URL,
		Domain:       record.Domain,
		Status:       string(record.Status),
		ErrorMessage: record.ErrorMessage,
		At:           o.clock.Now(),
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.EventTopic, event); err != nil {
		o.logger.Warn("event publish failed", zap.String("record_id", record.ID), zap.Error(err))
	}
}

func validateURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return strings.ToLower(parsed.Host), nil
}

func fetchFailureMessage(err error) string {
	switch {
	case errors.Is(err, crawl.ErrContentTooLarge):
		return err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("request timed out: %v", err)
	default:
		return fmt.Sprintf("network error: %v", err)
	}
}

func flattenHeaders(headers map[string][]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		out[key] = strings.Join(values, ", ")
	}
	return out
}
