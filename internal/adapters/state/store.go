package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

const (
	keyCredentials = "device:credentials"
	keyLastSync    = "status:last_sync"
)

// Store keeps device credentials and the last sync record in the shared KV.
type Store struct {
	kv ports.KV
}

func NewStore(kv ports.KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) Credentials(ctx context.Context) (domain.Credentials, bool, error) {
	var c domain.Credentials
	ok, err := s.get(ctx, keyCredentials, &c)
	return c, ok, err
}

func (s *Store) SaveCredentials(ctx context.Context, c domain.Credentials) error {
	if !c.Complete() {
		return fmt.Errorf("credentials incomplete")
	}
	return s.put(ctx, keyCredentials, c)
}

func (s *Store) LastSync(ctx context.Context) (ports.SyncRecord, bool, error) {
	var r ports.SyncRecord
	ok, err := s.get(ctx, keyLastSync, &r)
	return r, ok, err
}

func (s *Store) SaveLastSync(ctx context.Context, r ports.SyncRecord) error {
	return s.put(ctx, keyLastSync, r)
}

func (s *Store) get(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, ports.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state %s: decode: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("state %s: %w", key, err)
	}
	return nil
}

var _ ports.StateStore = (*Store)(nil)
