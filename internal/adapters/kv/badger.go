package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/dalebradshaw/healthsync/internal/ports"
)

const defaultBadgerValueLogFileSize = 64 << 20

// BadgerKV stores every key in an embedded Badger database. Each Update runs
// inside one read-write transaction, so a crash leaves either the old or the
// new value.
type BadgerKV struct {
	db *badger.DB
}

type badgerConfig struct {
	inMemory         bool
	syncWrites       bool
	valueLogFileSize int64
}

// BadgerOption customizes how Badger is opened.
type BadgerOption func(*badgerConfig) error

// WithBadgerInMemory keeps the database in memory. Used by tests.
func WithBadgerInMemory() BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.inMemory = true
		return nil
	}
}

// WithBadgerSyncWrites toggles fsync on every commit (default on).
func WithBadgerSyncWrites(on bool) BadgerOption {
	return func(cfg *badgerConfig) error {
		cfg.syncWrites = on
		return nil
	}
}

// WithBadgerValueLogFileSize sets max bytes per value log file.
func WithBadgerValueLogFileSize(sizeBytes int64) BadgerOption {
	return func(cfg *badgerConfig) error {
		if sizeBytes <= 0 {
			return fmt.Errorf("badger value log file size must be > 0, got %d", sizeBytes)
		}
		cfg.valueLogFileSize = sizeBytes
		return nil
	}
}

// NewBadgerKV opens (or creates) a Badger database at path.
func NewBadgerKV(path string, options ...BadgerOption) (*BadgerKV, error) {
	cfg := badgerConfig{
		syncWrites:       true,
		valueLogFileSize: defaultBadgerValueLogFileSize,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(&cfg); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(path)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.syncWrites).WithValueLogFileSize(cfg.valueLogFileSize)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
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
		return nil, ports.ErrKeyNotFound
	}
	return out, err
}

func (b *BadgerKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerKV) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		var current []byte
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), next)
	})
}

func (b *BadgerKV) Close() error {
	return b.db.Close()
}

var _ ports.KV = (*BadgerKV)(nil)
