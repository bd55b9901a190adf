// Package postgres provides Postgres-backed persistence implementations.
//
// Expected schema:
//
//	CREATE TABLE crawl_records (
//		id            TEXT PRIMARY KEY,
//		url           TEXT NOT NULL,
//		domain        TEXT NOT NULL,
//		status        TEXT NOT NULL,
//		error_message TEXT NOT NULL DEFAULT '',
//		retry_count   INT NOT NULL DEFAULT 0,
//		created_at    TIMESTAMPTZ NOT NULL,
//		completed_at  TIMESTAMPTZ,
//		request       JSONB NOT NULL
//	);
//	CREATE INDEX crawl_records_domain_created ON crawl_records (domain, created_at DESC);
//
//	CREATE TABLE page_metadata (
//		record_id TEXT PRIMARY KEY REFERENCES crawl_records (id),
//		metadata  JSONB NOT NULL
//	);
//
//	CREATE TABLE crawl_history (
//		id               BIGSERIAL PRIMARY KEY,
//		record_id        TEXT NOT NULL DEFAULT '',
//		url              TEXT NOT NULL,
//		domain           TEXT NOT NULL,
//		status           TEXT NOT NULL,
//		status_code      INT NOT NULL DEFAULT 0,
//		response_time_ms BIGINT NOT NULL DEFAULT 0,
//		error_message    TEXT NOT NULL DEFAULT '',
//		crawl_timestamp  TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagescope/crawler/internal/crawl"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists crawl records, page metadata, and history in Postgres.
type Store struct {
	pool dbPool
}

// NewStore creates a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const recordColumns = `id, url, domain, status, error_message, retry_count, created_at, completed_at, request`

// CreateRecord inserts a new crawl record.
func (s *Store) CreateRecord(ctx context.Context, record crawl.Record) error {
	requestJSON, err := json.Marshal(record.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	query := `
INSERT INTO crawl_records (id, url, domain, status, error_message, retry_count, created_at, completed_at, request)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = s.pool.Exec(ctx, query,
		record.ID,
		record.URL,
		record.Domain,
		string(record.Status),
		record.ErrorMessage,
		record.RetryCount,
		record.CreatedAt,
		record.CompletedAt,
		requestJSON,
	)
	if err != nil {
		return fmt.Errorf("insert crawl record: %w", err)
	}
	return nil
}

// GetRecord fetches a record by ID.
func (s *Store) GetRecord(ctx context.Context, id string) (crawl.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM crawl_records WHERE id = $1`
	record, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Record{}, crawl.ErrRecordNotFound
		}
		return crawl.Record{}, fmt.Errorf("select crawl record: %w", err)
	}
	return record, nil
}

// MarkProcessing transitions a non-terminal record to processing.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	query := `
UPDATE crawl_records SET status = $2
WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	tag, err := s.pool.Exec(ctx, query, id, string(crawl.StatusProcessing))
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardFailure(ctx, id)
	}
	return nil
}

// CompleteRecord attaches metadata and marks the record completed in a
// single transaction, so a metadata write failure leaves the status intact.
func (s *Store) CompleteRecord(ctx context.Context, id string, meta crawl.PageMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE crawl_records SET status = $2, error_message = '', completed_at = $3
WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		id, string(crawl.StatusCompleted), meta.CrawledAt)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardFailure(ctx, id)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO page_metadata (record_id, metadata) VALUES ($1, $2)
ON CONFLICT (record_id) DO UPDATE SET metadata = EXCLUDED.metadata`,
		id, metaJSON)
	if err != nil {
		return fmt.Errorf("insert page metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// FailRecord marks a non-terminal record failed with a reason.
func (s *Store) FailRecord(ctx context.Context, id string, errMsg string) error {
	query := `
UPDATE crawl_records SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1 AND status NOT IN ('completed', 'failed')`
	tag, err := s.pool.Exec(ctx, query, id, string(crawl.StatusFailed), errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.guardFailure(ctx, id)
	}
	return nil
}

// MarkRetry moves a failed record back to pending and bumps its retry count.
func (s *Store) MarkRetry(ctx context.Context, id string) (crawl.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawl.Record{}, fmt.Errorf("begin retry: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + recordColumns + ` FROM crawl_records WHERE id = $1 FOR UPDATE`
	record, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Record{}, crawl.ErrRecordNotFound
		}
		return crawl.Record{}, fmt.Errorf("select for retry: %w", err)
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

	_, err = tx.Exec(ctx, `
UPDATE crawl_records SET status = $2, error_message = '', completed_at = NULL, retry_count = $3
WHERE id = $1`,
		id, string(crawl.StatusPending), record.RetryCount)
	if err != nil {
		return crawl.Record{}, fmt.Errorf("update for retry: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM page_metadata WHERE record_id = $1`, id); err != nil {
		return crawl.Record{}, fmt.Errorf("clear metadata for retry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return crawl.Record{}, fmt.Errorf("commit retry: %w", err)
	}
	return record, nil
}

// DeleteRecord removes a record and its metadata.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM page_metadata WHERE record_id = $1`, id); err != nil {
		return fmt.Errorf("delete page metadata: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM crawl_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete crawl record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrRecordNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// GetMetadata fetches extracted metadata for a record.
func (s *Store) GetMetadata(ctx context.Context, id string) (crawl.PageMetadata, bool, error) {
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT metadata FROM page_metadata WHERE record_id = $1`, id).Scan(&metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.PageMetadata{}, false, nil
		}
		return crawl.PageMetadata{}, false, fmt.Errorf("select page metadata: %w", err)
	}
	var meta crawl.PageMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return crawl.PageMetadata{}, false, fmt.Errorf("decode page metadata: %w", err)
	}
	return meta, true, nil
}

// AppendHistory adds one row to the crawl history log.
func (s *Store) AppendHistory(ctx context.Context, entry crawl.HistoryEntry) error {
	query := `
INSERT INTO crawl_history (record_id, url, domain, status, status_code, response_time_ms, error_message, crawl_timestamp)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := s.pool.Exec(ctx, query,
		entry.RecordID,
		entry.URL,
		entry.Domain,
		entry.Status,
		entry.StatusCode,
		entry.ResponseTimeMs,
		entry.ErrorMessage,
		entry.At,
	)
	if err != nil {
		return fmt.Errorf("insert crawl history: %w", err)
	}
	return nil
}

// ListRecords returns records newest first, optionally filtered by domain.
func (s *Store) ListRecords(ctx context.Context, domain string, limit, offset int) ([]crawl.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
SELECT ` + recordColumns + ` FROM crawl_records
WHERE ($1 = '' OR domain = $1)
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, domain, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list crawl records: %w", err)
	}
	defer rows.Close()

	var records []crawl.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl records: %w", err)
	}
	return records, nil
}

// guardFailure explains why a guarded status update touched no rows.
func (s *Store) guardFailure(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM crawl_records WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.ErrRecordNotFound
		}
		return fmt.Errorf("inspect crawl record: %w", err)
	}
	return crawl.ErrRecordTerminal
}

func scanRecord(row pgx.Row) (crawl.Record, error) {
	var (
		record      crawl.Record
		status      string
		requestJSON []byte
	)
	err := row.Scan(
		&record.ID,
		&record.URL,
		&record.Domain,
		&status,
		&record.ErrorMessage,
		&record.RetryCount,
		&record.CreatedAt,
		&record.CompletedAt,
		&requestJSON,
	)
	if err != nil {
		return crawl.Record{}, err
	}
	record.Status = crawl.Status(status)
	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &record.Request); err != nil {
			return crawl.Record{}, fmt.Errorf("decode request: %w", err)
		}
	}
	return record, nil
}
