package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

type storedSample struct {
	domain.Sample
	UserID   string
	DeviceID string
}

// MemoryStore is an in-process ingest backend with the same upsert/delete
// semantics as PostgresStore. Used by the dev server and tests.
type MemoryStore struct {
	mu      sync.Mutex
	samples map[domain.RecordKey]storedSample
	devices map[string]domain.Device

	// FailApply, when set, makes the next Apply fail without writing.
	FailApply error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		samples: make(map[domain.RecordKey]storedSample),
		devices: make(map[string]domain.Device),
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Apply(_ context.Context, userID, deviceID string, samples []domain.Sample, deletions []domain.DeletionRef) (domain.IngestResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailApply; err != nil {
		m.FailApply = nil
		return domain.IngestResult{}, err
	}
	for _, s := range samples {
		if s.Identity == "" {
			return domain.IngestResult{}, fmt.Errorf("sample %s: identity is required", s.Stream)
		}
	}

	res := domain.IngestResult{OK: true}
	for _, s := range domain.LatestByKey(samples) {
		key := s.Key()
		if cur, ok := m.samples[key]; ok {
			if cur.UserID != userID {
				continue
			}
			res.Updated++
		} else {
			res.Inserted++
		}
		m.samples[key] = storedSample{Sample: s, UserID: userID, DeviceID: deviceID}
	}
	for _, d := range deletions {
		key := d.Key()
		if cur, ok := m.samples[key]; ok && cur.UserID == userID {
			delete(m.samples, key)
			res.Deleted++
		}
	}
	return res, nil
}

func (m *MemoryStore) CreateDevice(_ context.Context, d domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return fmt.Errorf("create device: %s already exists", d.ID)
	}
	m.devices[d.ID] = d
	return nil
}

func (m *MemoryStore) FindDevice(_ context.Context, id string) (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.Device{}, ports.ErrDeviceNotFound
	}
	return d, nil
}

// Samples returns the stored samples of userID ordered by stream, start and
// identity.
func (m *MemoryStore) Samples(userID string) []domain.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Sample, 0, len(m.samples))
	for _, s := range m.samples {
		if s.UserID == userID {
			out = append(out, s.Sample)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stream != out[j].Stream {
			return out[i].Stream < out[j].Stream
		}
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Identity < out[j].Identity
	})
	return out
}

var (
	_ ports.IngestRepository = (*MemoryStore)(nil)
	_ ports.DeviceRepository = (*MemoryStore)(nil)
)
