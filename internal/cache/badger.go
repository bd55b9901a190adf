package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is a disk-backed TTL cache using BadgerDB's native entry expiry.
// It gives politeness state a lifetime beyond a single process.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadger opens (or creates) a Badger-backed cache at dir.
func NewBadger(dir string, logger *zap.Logger) (*Badger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache at %s: %w", dir, err)
	}
	return &Badger{db: db, logger: logger}, nil
}

// Get returns the value for key, or a miss if absent or expired.
func (b *Badger) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get %q: %w", key, err)
	}
	return out, true, nil
}

// Set stores value under key with the given TTL.
func (b *Badger) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}
	return nil
}

// Delete removes key if present.
func (b *Badger) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present and unexpired.
func (b *Badger) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

// Close flushes and closes the underlying database.
func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		b.logger.Warn("badger close failed", zap.Error(err))
		return fmt.Errorf("close badger cache: %w", err)
	}
	return nil
}
