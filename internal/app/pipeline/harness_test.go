package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalebradshaw/healthsync/internal/adapters/anchor"
	"github.com/dalebradshaw/healthsync/internal/adapters/kv"
	"github.com/dalebradshaw/healthsync/internal/adapters/observability"
	"github.com/dalebradshaw/healthsync/internal/adapters/queue"
	"github.com/dalebradshaw/healthsync/internal/adapters/sink"
	"github.com/dalebradshaw/healthsync/internal/adapters/state"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

var (
	testCreds = domain.Credentials{UserID: "u1", DeviceID: "d1", Token: "tok"}
	testNow   = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recordingSink stands in for the remote ingest endpoint.
type recordingSink struct {
	mu      sync.Mutex
	batches []domain.UploadBatch
	calls   int
	// fail is consumed one entry per call; a nil entry means success.
	fail []error
	// lostAcks makes the next calls persist and then report a failure, like a
	// response lost after the backend committed.
	lostAcks  int
	repo      *sink.MemoryStore
	onDeliver func()
	block     bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Deliver(ctx context.Context, creds domain.Credentials, b *domain.UploadBatch) (domain.IngestResult, error) {
	s.mu.Lock()
	s.calls++
	hook, block := s.onDeliver, s.block
	var injected error
	if len(s.fail) > 0 {
		injected, s.fail = s.fail[0], s.fail[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return domain.IngestResult{}, ctx.Err()
	}
	if injected != nil {
		return domain.IngestResult{}, injected
	}

	res := domain.IngestResult{OK: true, Inserted: len(b.Samples), Deleted: len(b.Deletions)}
	if s.repo != nil {
		var err error
		if res, err = s.repo.Apply(ctx, creds.UserID, creds.DeviceID, b.Samples, b.Deletions); err != nil {
			return domain.IngestResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lostAcks > 0 {
		s.lostAcks--
		return domain.IngestResult{}, context.DeadlineExceeded
	}
	s.batches = append(s.batches, *b)
	return res, nil
}

func (s *recordingSink) delivered() []domain.UploadBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.UploadBatch(nil), s.batches...)
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// scriptedSource answers change queries from a fixed table.
type scriptedSource struct {
	mu      sync.Mutex
	changes map[domain.StreamType]ports.ChangeSet
	errs    map[domain.StreamType]error
	queries []ports.ChangeQuery
}

func (s *scriptedSource) QueryChanges(_ context.Context, q ports.ChangeQuery) (ports.ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	if err := s.errs[q.Stream]; err != nil {
		return ports.ChangeSet{}, err
	}
	return s.changes[q.Stream], nil
}

func (s *scriptedSource) QueryRange(context.Context, domain.StreamType, time.Time, time.Time) ([]domain.Sample, error) {
	return nil, nil
}

func (s *scriptedSource) QueryDaily(context.Context, domain.StreamType, time.Time, time.Time) (ports.DailyTotal, error) {
	return ports.DailyTotal{}, nil
}

func (s *scriptedSource) lastQuery(stream domain.StreamType) ports.ChangeQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.queries) - 1; i >= 0; i-- {
		if s.queries[i].Stream == stream {
			return s.queries[i]
		}
	}
	return ports.ChangeQuery{}
}

type harness struct {
	kv      ports.KV
	anchors *anchor.Store
	queue   *queue.DurableQueue
	sink    *recordingSink
	clock   *fakeClock
	p       *Pipeline
}

type harnessOption func(*Deps)

func withCredentials(c domain.Credentials) harnessOption {
	return func(d *Deps) {
		d.Credentials = func(context.Context) (domain.Credentials, error) { return c, nil }
	}
}

func newHarness(t *testing.T, src ports.HealthSource, streams []ports.StreamSpec, pol ports.Policy, store ports.KV, opts ...harnessOption) *harness {
	t.Helper()
	if store == nil {
		var err error
		store, err = kv.NewBadgerKV("", kv.WithBadgerInMemory())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}
	obs := observability.Nop{}
	clock := &fakeClock{t: testNow}
	h := &harness{
		kv:      store,
		anchors: anchor.NewStore(store, obs),
		queue:   queue.NewDurableQueue(store, queue.WithClock(clock.Now)),
		sink:    &recordingSink{},
		clock:   clock,
	}
	st := state.NewStore(store)
	require.NoError(t, st.SaveCredentials(context.Background(), testCreds))

	deps := Deps{
		Source:  src,
		Anchors: h.anchors,
		Queue:   h.queue,
		Sink:    h.sink,
		State:   st,
		Obs:     obs,
		Policy:  pol,
		Streams: streams,
		Now:     clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.p = New(deps)
	return h
}

// noBackoff keeps retries immediate so tests can drain twice in a row.
func noBackoff() ports.Policy {
	return ports.Policy{RetryBackoffMin: -1}
}

func hrSample(id string, at time.Time) domain.Sample {
	return domain.Sample{
		Identity: id, Stream: domain.StreamHeartRate, Unit: "count/min",
		Start: at, End: at, Value: domain.Number(60),
	}
}

func anchored(streams ...domain.StreamType) []ports.StreamSpec {
	out := make([]ports.StreamSpec, 0, len(streams))
	for _, st := range streams {
		out = append(out, ports.StreamSpec{Stream: st, Mode: ports.ModeAnchored})
	}
	return out
}

func (h *harness) queueLen(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}
