package source

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// ErrBadCursor is returned when a cursor was not issued by this source.
var ErrBadCursor = errors.New("fixture: cursor not recognised")

type change struct {
	seq     uint64
	sample  *domain.Sample
	deleted *domain.DeletionRef
}

// Fixture is an in-memory health store. Every insert, replacement and
// deletion is appended to a change log; cursors are positions in that log.
type Fixture struct {
	mu      sync.Mutex
	seq     uint64
	log     []change
	live    map[domain.RecordKey]domain.Sample
	fail    map[domain.StreamType]error
	calls   map[domain.StreamType]int
	changes chan domain.StreamType
}

func NewFixture() *Fixture {
	return &Fixture{
		live:    make(map[domain.RecordKey]domain.Sample),
		fail:    make(map[domain.StreamType]error),
		calls:   make(map[domain.StreamType]int),
		changes: make(chan domain.StreamType, 64),
	}
}

// Add inserts or replaces samples and signals a change per touched stream.
func (f *Fixture) Add(samples ...domain.Sample) {
	f.mu.Lock()
	touched := make(map[domain.StreamType]struct{})
	for _, s := range samples {
		s := s
		f.seq++
		f.log = append(f.log, change{seq: f.seq, sample: &s})
		f.live[s.Key()] = s
		touched[s.Stream] = struct{}{}
	}
	f.mu.Unlock()
	f.notify(touched)
}

// Delete removes samples and records a deletion for each one that existed.
func (f *Fixture) Delete(refs ...domain.DeletionRef) {
	f.mu.Lock()
	touched := make(map[domain.StreamType]struct{})
	for _, r := range refs {
		if _, ok := f.live[r.Key()]; !ok {
			continue
		}
		r := r
		delete(f.live, r.Key())
		f.seq++
		f.log = append(f.log, change{seq: f.seq, deleted: &r})
		touched[r.Stream] = struct{}{}
	}
	f.mu.Unlock()
	f.notify(touched)
}

// Fail makes every query on stream return err until Fail(stream, nil).
func (f *Fixture) Fail(stream domain.StreamType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, stream)
		return
	}
	f.fail[stream] = err
}

// Calls reports how many queries hit stream.
func (f *Fixture) Calls(stream domain.StreamType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stream]
}

func (f *Fixture) Changes() <-chan domain.StreamType { return f.changes }

func (f *Fixture) notify(touched map[domain.StreamType]struct{}) {
	for st := range touched {
		select {
		case f.changes <- st:
		default:
		}
	}
}

func (f *Fixture) QueryChanges(ctx context.Context, q ports.ChangeQuery) (ports.ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return ports.ChangeSet{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(q.Stream); err != nil {
		return ports.ChangeSet{}, err
	}

	var out ports.ChangeSet
	if q.Cursor == nil {
		for _, c := range f.log {
			if c.sample == nil || c.sample.Stream != q.Stream {
				continue
			}
			live, ok := f.live[c.sample.Key()]
			if !ok || f.latestSeq(live.Key()) != c.seq || !inWindow(live.Start, q.Since, q.Until) {
				continue
			}
			out.Samples = append(out.Samples, live)
		}
		out.NextCursor = encodeCursor(f.seq)
		return out, nil
	}

	from, err := decodeCursor(q.Cursor)
	if err != nil {
		return ports.ChangeSet{}, err
	}
	if from > f.seq {
		return ports.ChangeSet{}, fmt.Errorf("%w: position %d beyond %d", ErrBadCursor, from, f.seq)
	}
	// Only the final state of each record since the cursor is reported.
	last := make(map[domain.RecordKey]uint64)
	for _, c := range f.log {
		if c.seq <= from {
			continue
		}
		if key, ok := c.key(q.Stream); ok {
			last[key] = c.seq
		}
	}
	for _, c := range f.log {
		key, ok := c.key(q.Stream)
		if c.seq <= from || !ok || last[key] != c.seq {
			continue
		}
		if c.sample != nil {
			out.Samples = append(out.Samples, *c.sample)
		} else {
			out.Deletions = append(out.Deletions, *c.deleted)
		}
	}
	out.NextCursor = encodeCursor(f.seq)
	return out, nil
}

// key returns the record a change touches when it belongs to stream.
func (c change) key(stream domain.StreamType) (domain.RecordKey, bool) {
	switch {
	case c.sample != nil && c.sample.Stream == stream:
		return c.sample.Key(), true
	case c.deleted != nil && c.deleted.Stream == stream:
		return c.deleted.Key(), true
	}
	return domain.RecordKey{}, false
}

func (f *Fixture) QueryRange(ctx context.Context, stream domain.StreamType, start, end time.Time) ([]domain.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(stream); err != nil {
		return nil, err
	}
	var out []domain.Sample
	for _, c := range f.log {
		if c.sample == nil || c.sample.Stream != stream {
			continue
		}
		live, ok := f.live[c.sample.Key()]
		if !ok || f.latestSeq(live.Key()) != c.seq || !inWindow(live.Start, start, end) {
			continue
		}
		out = append(out, live)
	}
	return out, nil
}

func (f *Fixture) QueryDaily(ctx context.Context, stream domain.StreamType, dayStart, dayEnd time.Time) (ports.DailyTotal, error) {
	if err := ctx.Err(); err != nil {
		return ports.DailyTotal{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.enter(stream); err != nil {
		return ports.DailyTotal{}, err
	}
	var total ports.DailyTotal
	for _, s := range f.live {
		if s.Stream != stream || s.Start.Before(dayStart) || s.Start.After(dayEnd) {
			continue
		}
		v, ok := s.Value.Float()
		if !ok {
			continue
		}
		total.Value += v
		total.Found = true
		if total.Unit == "" {
			total.Unit = s.Unit
		}
	}
	return total, nil
}

// enter records a call and returns the injected failure, if any. f.mu held.
func (f *Fixture) enter(stream domain.StreamType) error {
	f.calls[stream]++
	if err := f.fail[stream]; err != nil {
		return err
	}
	return nil
}

func (f *Fixture) latestSeq(key domain.RecordKey) uint64 {
	for i := len(f.log) - 1; i >= 0; i-- {
		if c := f.log[i]; c.sample != nil && c.sample.Key() == key {
			return c.seq
		}
	}
	return 0
}

func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

func encodeCursor(seq uint64) domain.CursorToken {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func decodeCursor(tok domain.CursorToken) (uint64, error) {
	if len(tok) != 8 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadCursor, len(tok))
	}
	return binary.BigEndian.Uint64(tok), nil
}

var (
	_ ports.HealthSource   = (*Fixture)(nil)
	_ ports.ChangeNotifier = (*Fixture)(nil)
)
