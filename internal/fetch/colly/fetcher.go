// Package collyfetch implements crawl.Fetcher using gocolly.
package collyfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/pagescope/crawler/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher retrieves pages with a Colly collector. Robots policy is decided
// upstream, so the collector never consults robots.txt itself. A completed
// HTTP exchange is always returned as a response, whatever the status code;
// errors mean the exchange itself failed.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}

	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	var (
		result   crawl.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &result, &fetchErr); err != nil {
		return crawl.FetchResponse{}, err
	}

	maxBody := f.cfg.MaxBodyBytes
	if request.MaxBodyBytes > 0 {
		maxBody = request.MaxBodyBytes
	}
	if int64(len(result.Body)) > maxBody {
		return crawl.FetchResponse{}, fmt.Errorf("fetch %s: body exceeds %d bytes: %w", request.URL, maxBody, crawl.ErrContentTooLarge)
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawl.FetchRequest,
	start time.Time,
	result *crawl.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.UserAgent = f.cfg.UserAgent
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}

	timeout := f.cfg.Timeout
	if request.Timeout > 0 {
		timeout = request.Timeout
	}
	collector.SetRequestTimeout(timeout)

	// Read one byte past the cap so an oversized body is detectable rather
	// than silently truncated at the limit.
	maxBody := f.cfg.MaxBodyBytes
	if request.MaxBodyBytes > 0 {
		maxBody = request.MaxBodyBytes
	}
	collector.MaxBodySize = int(maxBody) + 1

	collector.WithTransport(f.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range request.Headers {
			r.Headers.Set(key, value)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = crawl.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			// The exchange completed; surface the status to the caller.
			var headers http.Header
			if r.Headers != nil {
				headers = r.Headers.Clone()
			}
			*result = crawl.FetchResponse{
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Headers:    headers,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	result *crawl.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("fetch %s: %w", url, *fetchErr)
		}
		if err != nil && result.StatusCode == 0 {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
