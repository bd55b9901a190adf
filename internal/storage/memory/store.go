// Package memory provides an in-memory Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pagescope/crawler/internal/crawl"
)

// Store keeps records, metadata, and history in process memory.
type Store struct {
	mu       sync.RWMutex
	records  map[string]crawl.Record
	metadata map[string]crawl.PageMetadata
	history  []crawl.HistoryEntry
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]crawl.Record),
		metadata: make(map[string]crawl.PageMetadata),
	}
}

// CreateRecord stores a new record.
func (s *Store) CreateRecord(_ context.Context, record crawl.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("record %s already exists", record.ID)
	}
	s.records[record.ID] = record
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(_ context.Context, id string) (crawl.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return crawl.Record{}, crawl.ErrRecordNotFound
	}
	return record, nil
}

// MarkProcessing transitions a pending record to processing.
func (s *Store) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return crawl.ErrRecordNotFound
	}
	if record.Status.Terminal() {
		return crawl.ErrRecordTerminal
	}
	record.Status = crawl.StatusProcessing
	s.records[id] = record
	return nil
}

// CompleteRecord attaches metadata and marks the record completed in one
// step; either both take effect or neither does.
func (s *Store) CompleteRecord(_ context.Context, id string, meta crawl.PageMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return crawl.ErrRecordNotFound
	}
	if record.Status.Terminal() {
		return crawl.ErrRecordTerminal
	}
	now := time.Now().UTC()
	record.Status = crawl.StatusCompleted
	record.ErrorMessage = ""
	record.CompletedAt = &now
	s.records[id] = record
	s.metadata[id] = meta
	return nil
}

// FailRecord marks the record failed with a reason.
func (s *Store) FailRecord(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return crawl.ErrRecordNotFound
	}
	if record.Status.Terminal() {
		return crawl.ErrRecordTerminal
	}
	now := time.Now().UTC()
	record.Status = crawl.StatusFailed
	record.ErrorMessage = errMsg
	record.CompletedAt = &now
	s.records[id] = record
	return nil
}

// MarkRetry moves a failed record back to pending and bumps its retry count.
func (s *Store) MarkRetry(_ context.Context, id string) (crawl.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return crawl.Record{}, crawl.ErrRecordNotFound
	}
	if record.Status != crawl.StatusFailed {
		return crawl.Record{}, fmt.Errorf("record %s is %s: %w", id, record.Status, crawl.ErrNotRetryable)
	}
	if record.RetryCount >= record.Request.MaxRetries {
		return crawl.Record{}, fmt.Errorf("record %s exhausted %d retries: %w", id, record.Request.MaxRetries, crawl.ErrNotRetryable)
	}
	record.Status = crawl.StatusPending
	record.ErrorMessage = ""
	record.CompletedAt = nil
	record.RetryCount++
	s.records[id] = record
	delete(s.metadata, id)
	return record, nil
}

// DeleteRecord removes a record and its metadata.
func (s *Store) DeleteRecord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return crawl.ErrRecordNotFound
	}
	delete(s.records, id)
	delete(s.metadata, id)
	return nil
}

// GetMetadata fetches extracted metadata for a completed record.
func (s *Store) GetMetadata(_ context.Context, id string) (crawl.PageMetadata, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[id]
	return meta, ok, nil
}

// AppendHistory adds one row to the crawl history log.
func (s *Store) AppendHistory(_ context.Context, entry crawl.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// History returns a copy of the full history log, oldest first.
func (s *Store) History(_ context.Context) []crawl.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// ListRecords returns records newest first, optionally filtered by domain.
func (s *Store) ListRecords(_ context.Context, domain string, limit, offset int) ([]crawl.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]crawl.Record, 0, len(s.records))
	for _, record := range s.records {
		if domain != "" && record.Domain != domain {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return nil, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}
