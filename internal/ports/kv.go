package ports

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by KV.Get for missing keys.
var ErrKeyNotFound = errors.New("kv: key not found")

// KV is the generic durable key-value store shared by the anchor store, the
// upload queue and the credential/status records.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update runs a read-modify-write of a single key. fn receives the current
	// value (nil when absent); its result replaces the value atomically. If fn
	// returns an error nothing is written.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}
