package anchor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalebradshaw/healthsync/internal/adapters/kv"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

func newBadger(t *testing.T) ports.KV {
	t.Helper()
	store, err := kv.NewBadgerKV("", kv.WithBadgerInMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newBadger(t), &mockObs{})

	_, ok := s.Get(ctx, domain.StreamHeartRate)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, domain.StreamHeartRate, domain.CursorToken("A1")))
	got, ok := s.Get(ctx, domain.StreamHeartRate)
	require.True(t, ok)
	require.Equal(t, domain.CursorToken("A1"), got)

	_, ok = s.Get(ctx, domain.StreamHRV)
	require.False(t, ok, "streams are independent")
}

func TestStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := kv.NewFileKV(dir)
	require.NoError(t, err)
	require.NoError(t, NewStore(first, &mockObs{}).Set(ctx, domain.StreamSteps, domain.CursorToken{0x00, 0x01}))

	second, err := kv.NewFileKV(dir)
	require.NoError(t, err)
	got, ok := NewStore(second, &mockObs{}).Get(ctx, domain.StreamSteps)
	require.True(t, ok)
	require.Equal(t, domain.CursorToken{0x00, 0x01}, got)
}

func TestStoreCorruptTokenReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	backing := newBadger(t)
	obs := &mockObs{}
	s := NewStore(backing, obs)

	require.NoError(t, backing.Set(ctx, "anchor:hrv", []byte{0xc1, 0xff, 0x00}))

	_, ok := s.Get(ctx, domain.StreamHRV)
	require.False(t, ok)
	require.NotEmpty(t, obs.errors)
}

func TestStoreUnavailableReadsAsAbsent(t *testing.T) {
	obs := &mockObs{}
	s := NewStore(failingKV{err: errors.New("disk gone")}, obs)

	_, ok := s.Get(context.Background(), domain.StreamHeartRate)
	require.False(t, ok)
	require.Len(t, obs.errors, 1)
}

func TestStoreRejectsEmptyToken(t *testing.T) {
	s := NewStore(newBadger(t), &mockObs{})
	require.Error(t, s.Set(context.Background(), domain.StreamHeartRate, nil))
}

type failingKV struct{ err error }

func (f failingKV) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f failingKV) Set(context.Context, string, []byte) error    { return f.err }
func (f failingKV) Update(context.Context, string, func([]byte) ([]byte, error)) error {
	return f.err
}
func (f failingKV) Close() error { return nil }

type mockObs struct {
	errors []error
}

func (m *mockObs) LogInfo(string, ...ports.Field) {}
func (m *mockObs) LogError(_ string, err error, _ ...ports.Field) { m.errors = append(m.errors, err) }
func (m *mockObs) LogCritical(string, error, ...ports.Field) {}
func (m *mockObs) IncCounter(string, float64) {}
func (m *mockObs) ObserveLatency(string, float64) {}
func (m *mockObs) SetGauge(string, float64) {}
func (m *mockObs) RecordDeadLetter(*domain.UploadBatch, error) {}
