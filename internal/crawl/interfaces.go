package crawl

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns the body plus response metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Store persists crawl records, extracted metadata, and the history log.
// Implementations must refuse transitions out of a terminal status and must
// apply CompleteRecord atomically (metadata and status together or not at all).
type Store interface {
	CreateRecord(ctx context.Context, record Record) error
	GetRecord(ctx context.Context, id string) (Record, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteRecord(ctx context.Context, id string, meta PageMetadata) error
	FailRecord(ctx context.Context, id string, errMsg string) error
	MarkRetry(ctx context.Context, id string) (Record, error)
	DeleteRecord(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (PageMetadata, bool, error)
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListRecords(ctx context.Context, domain string, limit, offset int) ([]Record, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes digests used as content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}
