package collyfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pagescope/crawler/internal/crawl"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Trace"); got != "yes" {
			t.Errorf("expected request header propagation, got %q", got)
		}
		if ua := r.UserAgent(); ua != "test-agent/1.0" {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent/1.0", Timeout: 5 * time.Second})
	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{
		URL:     srv.URL,
		Headers: map[string]string{"X-Trace": "yes"},
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(resp.Body), "hello") {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if ct := resp.Headers.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Duration <= 0 {
		t.Fatal("expected a positive duration")
	}
}

func TestFetchSurfacesNonSuccessStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent/1.0"})
	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("expected completed exchange, got error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestFetchTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := New(Config{UserAgent: "test-agent/1.0", Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL})
	if err == nil {
		t.Fatal("expected an error for an unreachable host")
	}
}

func TestFetchBodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "test-agent/1.0", MaxBodyBytes: 1024})
	_, err := f.Fetch(context.Background(), crawl.FetchRequest{URL: srv.URL})
	if !errors.Is(err, crawl.ErrContentTooLarge) {
		t.Fatalf("expected ErrContentTooLarge, got %v", err)
	}
}

func TestFetchContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{UserAgent: "test-agent/1.0", Timeout: 30 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, crawl.FetchRequest{URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFetchPerRequestOverrides(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.UserAgent(); ua != "override/2.0" {
			t.Errorf("unexpected user agent %q", ua)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "base-agent/1.0"})
	resp, err := f.Fetch(context.Background(), crawl.FetchRequest{
		URL:       srv.URL,
		UserAgent: "override/2.0",
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
