package healthsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("healthsync: channel sink closed")

// SampleBatchSink receives the contents of one upload batch. Returning an
// error leaves the batch at the head of the queue for a later retry.
type SampleBatchSink func(ctx context.Context, samples []Sample, deletions []DeletionRef) error

// Delivery is what a channel sink hands to its reader.
type Delivery struct {
	BatchID   string
	Samples   []Sample
	Deletions []DeletionRef
}

// NewCallbackSink adapts a SampleBatchSink into a RemoteSink so callers can
// plug arbitrary functions without defining structs.
func NewCallbackSink(name string, fn SampleBatchSink) RemoteSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes batches via a channel; it returns the sink, the
// read-only channel, and a close function that the caller should invoke
// during shutdown. A send blocks until the reader takes the batch or the
// delivery context ends.
func NewChannelSink(name string, buffer int) (RemoteSink, <-chan Delivery, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Delivery, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   SampleBatchSink
}

func (s *callbackSink) Deliver(ctx context.Context, _ Credentials, b *UploadBatch) (IngestResult, error) {
	if s.fn == nil {
		return IngestResult{}, fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if b.Empty() {
		return IngestResult{OK: true}, nil
	}
	if err := s.fn(ctx, b.Samples, b.Deletions); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{OK: true, Inserted: len(b.Samples), Deleted: len(b.Deletions)}, nil
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	mu     sync.RWMutex
	ch     chan Delivery
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) Deliver(ctx context.Context, _ Credentials, b *UploadBatch) (IngestResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	select {
	case <-s.closed:
		return IngestResult{}, ErrChannelSinkClosed
	default:
	}

	if b.Empty() {
		return IngestResult{OK: true}, nil
	}

	d := Delivery{BatchID: b.ID, Samples: b.Samples, Deletions: b.Deletions}

	select {
	case <-s.closed:
		return IngestResult{}, ErrChannelSinkClosed
	case <-ctx.Done():
		return IngestResult{}, ctx.Err()
	case s.ch <- d:
		return IngestResult{OK: true, Inserted: len(b.Samples), Deleted: len(b.Deletions)}, nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		// Wait out senders before closing the data channel.
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}
