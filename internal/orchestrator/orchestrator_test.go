package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagescope/crawler/internal/cache"
	"github.com/pagescope/crawler/internal/classify"
	clocksystem "github.com/pagescope/crawler/internal/clock/system"
	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/extract"
	"github.com/pagescope/crawler/internal/hash/sha256"
	uuidgen "github.com/pagescope/crawler/internal/id/uuid"
	"github.com/pagescope/crawler/internal/metrics"
	"github.com/pagescope/crawler/internal/publisher/memory"
	"github.com/pagescope/crawler/internal/ratelimit"
	storememory "github.com/pagescope/crawler/internal/storage/memory"
)

const samplePage = `<html lang="en"><head>
<title>Buy a Toaster</title>
<meta name="keywords" content="toaster, kitchen, shop">
<meta name="description" content="The best toaster in our shop">
</head><body><p>Buy this product from our store with free shipping and checkout online.</p></body></html>`

type stubFetcher struct {
	mu          sync.Mutex
	calls       int
	inflight    int32
	maxInflight int32
	handler     func(crawl.FetchRequest) (crawl.FetchResponse, error)
}

func (f *stubFetcher) Fetch(_ context.Context, req crawl.FetchRequest) (crawl.FetchResponse, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		observed := atomic.LoadInt32(&f.maxInflight)
		if cur <= observed || atomic.CompareAndSwapInt32(&f.maxInflight, observed, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond) // let concurrency overlap

	f.mu.Lock()
	f.calls++
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		return handler(req)
	}
	return htmlResponse(req.URL, samplePage), nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func htmlResponse(url, body string) crawl.FetchResponse {
	return crawl.FetchResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
		Duration:   12 * time.Millisecond,
	}
}

type stubGate struct {
	allow    bool
	delay    time.Duration
	hasDelay bool
}

func (g *stubGate) CanCrawl(context.Context, string, string) (bool, error) { return g.allow, nil }

func (g *stubGate) CrawlDelay(context.Context, string, string) (time.Duration, bool) {
	return g.delay, g.hasDelay
}

type testHarness struct {
	orch    *Orchestrator
	store   *storememory.Store
	cache   *cache.Memory
	fetcher *stubFetcher
	pub     *memory.Publisher
}

func newHarness(t *testing.T, cfg Config, fetcher *stubFetcher, gate RobotsPolicy) *testHarness {
	t.Helper()
	metrics.Init()

	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })
	store := storememory.NewStore()
	pub := memory.New()

	limiter := ratelimit.New(c, clocksystem.Clock{}, ratelimit.Config{Enabled: false}, zap.NewNop())

	if cfg.UserAgent == "" {
		cfg.UserAgent = "test-agent/1.0"
	}
	orch := New(cfg, Deps{
		Store:      store,
		Cache:      c,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Gate:       gate,
		Extractor:  extract.New(),
		Classifier: classify.New(classify.Config{MinConfidence: 0.3, MaxTopics: 10}),
		Publisher:  pub,
		Clock:      clocksystem.Clock{},
		IDs:        uuidgen.NewUUIDGenerator(),
		Hasher:     sha256.New(),
		Logger:     zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &testHarness{orch: orch, store: store, cache: c, fetcher: fetcher, pub: pub}
}

func (h *testHarness) seedRecord(t *testing.T, req crawl.Request) crawl.Record {
	t.Helper()
	record, err := h.orch.createRecord(context.Background(), req)
	require.NoError(t, err)
	return record
}

func waitTerminal(t *testing.T, h *testHarness, id string) crawl.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, _, err := h.orch.GetResult(context.Background(), id)
		require.NoError(t, err)
		if record.Status.Terminal() {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record %s never reached a terminal state", id)
	return crawl.Record{}
}

func TestProcessSingleCompletes(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{RespectRobots: true, ClassifyEnabled: true}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/shop/toaster", RespectRobots: true})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, meta, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, meta)
	require.Equal(t, "Buy a Toaster", meta.Title)
	require.Equal(t, []string{"toaster", "kitchen", "shop"}, meta.Keywords)
	require.NotEmpty(t, meta.ContentHash)
	require.Equal(t, http.StatusOK, meta.StatusCode)
	require.NotEmpty(t, meta.Topics, "ecommerce text plus /shop url should classify")

	history := h.store.History(context.Background())
	require.Len(t, history, 1)
	require.Equal(t, "completed", history[0].Status)

	events := h.pub.Messages()
	require.Len(t, events, 1)
	event, ok := events[0].Payload.(Event)
	require.True(t, ok)
	require.Equal(t, "completed", event.Status)

	ok, err = h.cache.Exists(context.Background(), cache.CrawlResultKey(record.ID))
	require.NoError(t, err)
	require.True(t, ok, "terminal result should be cached")
}

func TestRobotsBlockedNeverFetches(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{RespectRobots: true}, fetcher, &stubGate{allow: false})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/private", RespectRobots: true})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, meta, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Equal(t, "blocked by robots.txt", got.ErrorMessage)
	require.Nil(t, meta)
	require.Zero(t, fetcher.callCount(), "no fetch may happen for a disallowed url")
}

func TestRobotsIgnoredWhenRequestOptsOut(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{RespectRobots: true}, fetcher, &stubGate{allow: false})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/private", RespectRobots: false})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, _, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusCompleted, got.Status)
	require.Equal(t, 1, fetcher.callCount())
}

func TestHTTPStatusFailureIsTerminal(t *testing.T) {
	fetcher := &stubFetcher{handler: func(req crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusNotFound,
			Headers:    http.Header{"Content-Type": {"text/html"}},
			Body:       []byte("not found"),
		}, nil
	}}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/missing"})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, meta, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "404")
	require.Nil(t, meta, "no metadata may be attached to a failed record")
}

func TestUnsupportedContentTypeIsTerminal(t *testing.T) {
	fetcher := &stubFetcher{handler: func(req crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{
			URL:        req.URL,
			StatusCode: http.StatusOK,
			Headers:    http.Header{"Content-Type": {"application/pdf"}},
			Body:       []byte("%PDF-1.4"),
		}, nil
	}}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/doc.pdf"})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, _, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "unsupported content type")
}

func TestNetworkErrorIsTerminal(t *testing.T) {
	fetcher := &stubFetcher{handler: func(crawl.FetchRequest) (crawl.FetchResponse, error) {
		return crawl.FetchResponse{}, errors.New("connection refused")
	}}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/"})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))

	got, _, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "network error")
}

func TestProcessBatchReachesAllTerminalUnderGate(t *testing.T) {
	fetcher := &stubFetcher{handler: func(req crawl.FetchRequest) (crawl.FetchResponse, error) {
		if req.URL == "https://bad.example.com/page-3" {
			return crawl.FetchResponse{}, errors.New("connection reset")
		}
		return htmlResponse(req.URL, samplePage), nil
	}}
	h := newHarness(t, Config{MaxConcurrent: 3}, fetcher, &stubGate{allow: true})

	reqs := make([]crawl.Request, 0, 12)
	for i := 0; i < 12; i++ {
		host := "ok.example.com"
		if i == 3 {
			host = "bad.example.com"
		}
		reqs = append(reqs, crawl.Request{URL: fmt.Sprintf("https://%s/page-%d", host, i)})
	}

	ids, err := h.orch.ProcessBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, ids, 12)

	completed, failed := 0, 0
	for _, id := range ids {
		record, _, err := h.orch.GetResult(context.Background(), id)
		require.NoError(t, err)
		require.True(t, record.Status.Terminal(), "record %s is %s", id, record.Status)
		switch record.Status {
		case crawl.StatusCompleted:
			completed++
		case crawl.StatusFailed:
			failed++
		}
	}
	require.Equal(t, 11, completed)
	require.Equal(t, 1, failed, "one failure must not cancel siblings")
	require.LessOrEqual(t, atomic.LoadInt32(&fetcher.maxInflight), int32(3),
		"concurrency gate exceeded")
}

func TestSubmitSingleSchedulesWork(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})

	id, err := h.orch.SubmitSingle(context.Background(), crawl.Request{URL: "https://example.com/a"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record := waitTerminal(t, h, id)
	require.Equal(t, crawl.StatusCompleted, record.Status)
}

func TestSubmitSingleRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, Config{}, &stubFetcher{}, &stubGate{allow: true})

	_, err := h.orch.SubmitSingle(context.Background(), crawl.Request{URL: "ftp://example.com/file"})
	require.Error(t, err)
	_, err = h.orch.SubmitSingle(context.Background(), crawl.Request{URL: "not a url"})
	require.Error(t, err)
}

func TestSubmitBatchReturnsIDs(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})

	batchID, ids, err := h.orch.SubmitBatch(context.Background(), []crawl.Request{
		{URL: "https://example.com/1"},
		{URL: "https://example.com/2"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, batchID)
	require.Len(t, ids, 2)

	for _, id := range ids {
		record := waitTerminal(t, h, id)
		require.Equal(t, crawl.StatusCompleted, record.Status)
	}
}

func TestRetryReschedulesFailedRecord(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	fetcher := &stubFetcher{handler: func(req crawl.FetchRequest) (crawl.FetchResponse, error) {
		if failFirst.Swap(false) {
			return crawl.FetchResponse{}, errors.New("temporary failure")
		}
		return htmlResponse(req.URL, samplePage), nil
	}}
	h := newHarness(t, Config{MaxRetries: 3}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/flaky", MaxRetries: 3})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))
	got, _, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)

	retried, err := h.orch.Retry(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, 1, retried.RetryCount)

	final := waitTerminal(t, h, record.ID)
	require.Equal(t, crawl.StatusCompleted, final.Status)
}

func TestRetryRejectsNonFailed(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/fine"})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))
	_, err := h.orch.Retry(context.Background(), record.ID)
	require.ErrorIs(t, err, crawl.ErrNotRetryable)
}

func TestDeleteResult(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/gone"})

	require.NoError(t, h.orch.ProcessSingle(context.Background(), record.ID))
	require.NoError(t, h.orch.DeleteResult(context.Background(), record.ID))

	_, _, err := h.orch.GetResult(context.Background(), record.ID)
	require.ErrorIs(t, err, crawl.ErrRecordNotFound)

	ok, err := h.cache.Exists(context.Background(), cache.CrawlResultKey(record.ID))
	require.NoError(t, err)
	require.False(t, ok)
}

type completeFailingStore struct {
	*storememory.Store
}

func (s *completeFailingStore) CompleteRecord(context.Context, string, crawl.PageMetadata) error {
	return errors.New("disk full")
}

func TestPersistenceFailurePropagates(t *testing.T) {
	metrics.Init()
	c := cache.NewMemory()
	t.Cleanup(func() { _ = c.Close() })
	base := storememory.NewStore()
	store := &completeFailingStore{Store: base}

	orch := New(Config{UserAgent: "test-agent/1.0"}, Deps{
		Store:      store,
		Cache:      c,
		Fetcher:    &stubFetcher{},
		Limiter:    ratelimit.New(c, clocksystem.Clock{}, ratelimit.Config{Enabled: false}, zap.NewNop()),
		Gate:       &stubGate{allow: true},
		Extractor:  extract.New(),
		Classifier: classify.New(classify.Config{}),
		Publisher:  memory.New(),
		Clock:      clocksystem.Clock{},
		IDs:        uuidgen.NewUUIDGenerator(),
		Hasher:     sha256.New(),
		Logger:     zap.NewNop(),
	})

	record, err := orch.createRecord(context.Background(), crawl.Request{URL: "https://example.com/x"})
	require.NoError(t, err)

	err = orch.ProcessSingle(context.Background(), record.ID)
	require.Error(t, err, "a failed completing save must surface to the caller")

	got, err := base.GetRecord(context.Background(), record.ID)
	require.NoError(t, err)
	require.NotEqual(t, crawl.StatusCompleted, got.Status, "status must not be completed without a durable save")
}

func TestCanceledTaskDiscardsPartialState(t *testing.T) {
	fetcher := &stubFetcher{}
	h := newHarness(t, Config{}, fetcher, &stubGate{allow: true})
	record := h.seedRecord(t, crawl.Request{URL: "https://example.com/slow"})

	ctx, cancel := context.WithCancel(context.Background())
	fetcher.handler = func(req crawl.FetchRequest) (crawl.FetchResponse, error) {
		cancel() // cancellation lands mid-pipeline, after the fetch
		return htmlResponse(req.URL, samplePage), nil
	}

	require.NoError(t, h.orch.ProcessSingle(ctx, record.ID))

	got, meta, err := h.orch.GetResult(context.Background(), record.ID)
	require.NoError(t, err)
	require.Equal(t, crawl.StatusFailed, got.Status)
	require.Nil(t, meta, "partial metadata must not be persisted")
}
