package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// DefaultKey is the KV key holding the queue snapshot.
const DefaultKey = "uploadQueueV1"

const snapshotVersion = 1

// snapshot is the unit persisted on every mutation. Dead letters live in the
// same value so moving a batch between the two lists is a single write.
type snapshot struct {
	Version     int                  `msgpack:"v"`
	Batches     []domain.UploadBatch `msgpack:"batches"`
	DeadLetters []domain.UploadBatch `msgpack:"dead,omitempty"`
}

// DurableQueue is a FIFO of upload batches persisted as one snapshot. Every
// operation re-reads the snapshot from the KV, so the stored value is the only
// source of truth and a restarted process sees exactly what was committed.
type DurableQueue struct {
	mu      sync.Mutex
	kv      ports.KV
	key     string
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
}

type Option func(*DurableQueue)

// WithKey overrides the KV key (several queues can share one store).
func WithKey(key string) Option {
	return func(q *DurableQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithClock overrides the time source used for CreatedAt and batch IDs.
func WithClock(now func() time.Time) Option {
	return func(q *DurableQueue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewDurableQueue(kv ports.KV, opts ...Option) *DurableQueue {
	q := &DurableQueue{
		kv:      kv,
		key:     DefaultKey,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

func (q *DurableQueue) Enqueue(ctx context.Context, samples []domain.Sample, deletions []domain.DeletionRef, cursors map[domain.StreamType]domain.CursorToken) (*domain.UploadBatch, error) {
	if len(samples) == 0 && len(deletions) == 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return nil, fmt.Errorf("batch id: %w", err)
	}
	batch := domain.UploadBatch{
		ID:             id.String(),
		Samples:        append([]domain.Sample(nil), samples...),
		Deletions:      append([]domain.DeletionRef(nil), deletions...),
		PendingCursors: copyCursors(cursors),
		CreatedAt:      now.UTC(),
	}

	err = q.mutate(ctx, func(s *snapshot) error {
		s.Batches = append(s.Batches, batch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (q *DurableQueue) PeekHead(ctx context.Context) (*domain.UploadBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(s.Batches) == 0 {
		return nil, nil
	}
	head := s.Batches[0]
	return &head, nil
}

func (q *DurableQueue) PopHead(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(ctx, func(s *snapshot) error {
		if err := checkHead(s, id); err != nil {
			return err
		}
		s.Batches = s.Batches[1:]
		return nil
	})
}

func (q *DurableQueue) IncrementHeadAttempts(ctx context.Context, id string, at time.Time, cause error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var attempts int
	err := q.mutate(ctx, func(s *snapshot) error {
		if err := checkHead(s, id); err != nil {
			return err
		}
		head := &s.Batches[0]
		head.Attempts++
		head.LastAttemptAt = at.UTC()
		if cause != nil {
			head.LastError = cause.Error()
		}
		attempts = head.Attempts
		return nil
	})
	return attempts, err
}

func (q *DurableQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(s.Batches), nil
}

// DeadLetterHead parks the head batch. Its pending cursors are never
// committed from the dead-letter list.
func (q *DurableQueue) DeadLetterHead(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(ctx, func(s *snapshot) error {
		if err := checkHead(s, id); err != nil {
			return err
		}
		s.DeadLetters = append(s.DeadLetters, s.Batches[0])
		s.Batches = s.Batches[1:]
		return nil
	})
}

func (q *DurableQueue) DeadLetters(ctx context.Context) ([]domain.UploadBatch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	return s.DeadLetters, nil
}

// Requeue appends every dead-lettered batch to the tail with its attempt
// counter reset, and reports how many were moved. Requeued batches carry no
// cursors: a later batch may already have committed a newer one.
func (q *DurableQueue) Requeue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var moved int
	err := q.mutate(ctx, func(s *snapshot) error {
		for _, b := range s.DeadLetters {
			b.Attempts = 0
			b.LastAttemptAt = time.Time{}
			b.LastError = ""
			b.PendingCursors = nil
			s.Batches = append(s.Batches, b)
		}
		moved = len(s.DeadLetters)
		s.DeadLetters = nil
		return nil
	})
	return moved, err
}

func (q *DurableQueue) load(ctx context.Context) (*snapshot, error) {
	raw, err := q.kv.Get(ctx, q.key)
	if errors.Is(err, ports.ErrKeyNotFound) {
		return &snapshot{Version: snapshotVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue load: %w", err)
	}
	return decode(raw)
}

// mutate applies fn to the stored snapshot and writes the result back in one
// atomic KV update.
func (q *DurableQueue) mutate(ctx context.Context, fn func(*snapshot) error) error {
	err := q.kv.Update(ctx, q.key, func(current []byte) ([]byte, error) {
		s := &snapshot{Version: snapshotVersion}
		if current != nil {
			var err error
			if s, err = decode(current); err != nil {
				return nil, err
			}
		}
		if err := fn(s); err != nil {
			return nil, err
		}
		return msgpack.Marshal(s)
	})
	if err != nil && !errors.Is(err, ports.ErrHeadMismatch) && !errors.Is(err, ports.ErrQueueEmpty) {
		return fmt.Errorf("queue write: %w", err)
	}
	return err
}

func decode(raw []byte) (*snapshot, error) {
	var s snapshot
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("queue snapshot decode: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("queue snapshot version %d unsupported", s.Version)
	}
	return &s, nil
}

func checkHead(s *snapshot, id string) error {
	if len(s.Batches) == 0 {
		return ports.ErrQueueEmpty
	}
	if s.Batches[0].ID != id {
		return fmt.Errorf("%w: head=%s got=%s", ports.ErrHeadMismatch, s.Batches[0].ID, id)
	}
	return nil
}

func copyCursors(src map[domain.StreamType]domain.CursorToken) map[domain.StreamType]domain.CursorToken {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[domain.StreamType]domain.CursorToken, len(src))
	for k, v := range src {
		if len(v) == 0 {
			continue
		}
		dst[k] = append(domain.CursorToken(nil), v...)
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

var (
	_ ports.UploadQueue     = (*DurableQueue)(nil)
	_ ports.DeadLetterQueue = (*DurableQueue)(nil)
)
