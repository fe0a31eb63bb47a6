package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

const keyPrefix = "anchor:"

// record wraps the opaque token so a truncated or foreign value is detectable.
type record struct {
	Version   int       `msgpack:"v"`
	Stream    string    `msgpack:"s"`
	Token     []byte    `msgpack:"t"`
	UpdatedAt time.Time `msgpack:"at"`
}

const recordVersion = 1

// Store persists one cursor token per stream in a KV.
type Store struct {
	kv  ports.KV
	obs ports.Observability
	now func() time.Time
}

func NewStore(kv ports.KV, obs ports.Observability) *Store {
	return &Store{kv: kv, obs: obs, now: time.Now}
}

// Get returns the committed token for stream. Any storage or decoding problem
// degrades to "absent", which only costs a redundant, idempotent re-collection.
func (s *Store) Get(ctx context.Context, stream domain.StreamType) (domain.CursorToken, bool) {
	raw, err := s.kv.Get(ctx, keyPrefix+string(stream))
	if err != nil {
		if !errors.Is(err, ports.ErrKeyNotFound) {
			s.obs.LogError("anchor_read_failed", err, ports.Field{Key: "stream", Value: stream})
		}
		return nil, false
	}

	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		s.obs.LogError("anchor_corrupt", err, ports.Field{Key: "stream", Value: stream})
		return nil, false
	}
	if rec.Version != recordVersion || rec.Stream != string(stream) || len(rec.Token) == 0 {
		s.obs.LogError("anchor_corrupt", fmt.Errorf("version=%d stream=%q len=%d", rec.Version, rec.Stream, len(rec.Token)),
			ports.Field{Key: "stream", Value: stream})
		return nil, false
	}
	return domain.CursorToken(rec.Token), true
}

func (s *Store) Set(ctx context.Context, stream domain.StreamType, token domain.CursorToken) error {
	if len(token) == 0 {
		return fmt.Errorf("anchor %s: empty token", stream)
	}
	raw, err := msgpack.Marshal(&record{
		Version:   recordVersion,
		Stream:    string(stream),
		Token:     token,
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyPrefix+string(stream), raw); err != nil {
		return fmt.Errorf("anchor %s: %w", stream, err)
	}
	return nil
}

var _ ports.AnchorStore = (*Store)(nil)
