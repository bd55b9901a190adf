// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagescope/crawler/internal/crawl"
	"github.com/pagescope/crawler/internal/metrics"
)

// maxBatchSize bounds a single batch submission.
const maxBatchSize = 100

// CrawlService is the slice of the orchestrator the HTTP layer consumes.
type CrawlService interface {
	SubmitSingle(ctx context.Context, req crawl.Request) (string, error)
	SubmitBatch(ctx context.Context, reqs []crawl.Request) (string, []string, error)
	GetResult(ctx context.Context, id string) (crawl.Record, *crawl.PageMetadata, error)
	DeleteResult(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (crawl.Record, error)
	DomainStats(ctx context.Context, domain string) crawl.DomainRateState
	ListRecords(ctx context.Context, domain string, limit, offset int) ([]crawl.Record, error)
}

// Server wires HTTP handlers to the crawl service.
type Server struct {
	router  chi.Router
	service CrawlService
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(service CrawlService, logger *zap.Logger) *Server {
	s := &Server{
		service: service,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/crawl", func(r chi.Router) {
			r.Post("/", s.submitCrawl)
			r.Get("/", s.listCrawls)
			r.Post("/batch", s.submitBatch)
			r.Route("/{record_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Delete("/", s.deleteCrawl)
				r.Post("/retry", s.retryCrawl)
			})
		})
		r.Get("/domains/{domain}/stats", s.domainStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// crawlRequest is the submission payload. Pointer fields distinguish
// "omitted" from zero values so server defaults can fill in.
type crawlRequest struct {
	URL               string            `json:"url"`
	Priority          *int              `json:"priority"`
	MaxRetries        *int              `json:"max_retries"`
	CrawlDelaySeconds *float64          `json:"crawl_delay_seconds"`
	RespectRobots     *bool             `json:"respect_robots_txt"`
	UserAgent         string            `json:"user_agent"`
	Headers           map[string]string `json:"headers"`
}

type batchRequest struct {
	Requests []crawlRequest `json:"requests"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	parsed, err := toCrawlRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.service.SubmitSingle(r.Context(), parsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(crawl.StatusPending),
	})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "at least one request required")
		return
	}
	if len(req.Requests) > maxBatchSize {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds %d requests", maxBatchSize))
		return
	}
	parsed := make([]crawl.Request, 0, len(req.Requests))
	for i, item := range req.Requests {
		p, err := toCrawlRequest(item)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("request %d: %v", i, err))
			return
		}
		parsed = append(parsed, p)
	}
	batchID, ids, err := s.service.SubmitBatch(r.Context(), parsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"ids":      ids,
	})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "record_id")
	record, meta, err := s.service.GetResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawl.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "crawl record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load crawl record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":   record,
		"metadata": meta,
	})
}

func (s *Server) deleteCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "record_id")
	if err := s.service.DeleteResult(r.Context(), id); err != nil {
		if errors.Is(err, crawl.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "crawl record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete crawl record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryCrawl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "record_id")
	record, err := s.service.Retry(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, crawl.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "crawl record not found")
		case errors.Is(err, crawl.ErrNotRetryable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to retry crawl record")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":          record.ID,
		"status":      string(record.Status),
		"retry_count": record.RetryCount,
	})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intQuery(q.Get("limit"), 50)
	offset := intQuery(q.Get("offset"), 0)
	records, err := s.service.ListRecords(r.Context(), q.Get("domain"), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list crawl records")
		return
	}
	if records == nil {
		records = []crawl.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) domainStats(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	writeJSON(w, http.StatusOK, s.service.DomainStats(r.Context(), domain))
}

func toCrawlRequest(req crawlRequest) (crawl.Request, error) {
	if req.URL == "" {
		return crawl.Request{}, errors.New("url required")
	}
	parsed := crawl.Request{
		URL:           req.URL,
		Priority:      crawl.PriorityNormal,
		RespectRobots: true,
		UserAgent:     req.UserAgent,
		Headers:       req.Headers,
	}
	if req.Priority != nil {
		p := crawl.Priority(*req.Priority)
		switch p {
		case crawl.PriorityLow, crawl.PriorityNormal, crawl.PriorityHigh:
			parsed.Priority = p
		default:
			return crawl.Request{}, fmt.Errorf("priority must be %d, %d or %d",
				crawl.PriorityLow, crawl.PriorityNormal, crawl.PriorityHigh)
		}
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return crawl.Request{}, errors.New("max_retries must be >= 0")
		}
		parsed.MaxRetries = *req.MaxRetries
	}
	if req.CrawlDelaySeconds != nil {
		if *req.CrawlDelaySeconds < 0 {
			return crawl.Request{}, errors.New("crawl_delay_seconds must be >= 0")
		}
		parsed.CrawlDelay = time.Duration(*req.CrawlDelaySeconds * float64(time.Second))
	}
	if req.RespectRobots != nil {
		parsed.RespectRobots = *req.RespectRobots
	}
	return parsed, nil
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
