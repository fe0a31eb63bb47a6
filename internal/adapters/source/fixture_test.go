package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func hr(id string, offset time.Duration, bpm float64) domain.Sample {
	return domain.Sample{
		Identity: id, Stream: domain.StreamHeartRate, Unit: "count/min",
		Start: base.Add(offset), End: base.Add(offset), Value: domain.Number(bpm),
	}
}

func TestFixtureCursorProgression(t *testing.T) {
	ctx := context.Background()
	f := NewFixture()
	f.Add(hr("a", 0, 60), hr("b", time.Minute, 61))

	first, err := f.QueryChanges(ctx, ports.ChangeQuery{Stream: domain.StreamHeartRate})
	require.NoError(t, err)
	require.Len(t, first.Samples, 2)
	require.NotNil(t, first.NextCursor)

	again, err := f.QueryChanges(ctx, ports.ChangeQuery{Stream: domain.StreamHeartRate, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Empty(t, again.Samples)

	f.Add(hr("c", 2*time.Minute, 62))
	f.Delete(domain.DeletionRef{Identity: "a", Stream: domain.StreamHeartRate})

	next, err := f.QueryChanges(ctx, ports.ChangeQuery{Stream: domain.StreamHeartRate, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, next.Samples, 1)
	require.Equal(t, "c", next.Samples[0].Identity)
	require.Equal(t, []domain.DeletionRef{{Identity: "a", Stream: domain.StreamHeartRate}}, next.Deletions)
}

func TestFixtureReportsFinalStateOncePerRecord(t *testing.T) {
	ctx := context.Background()
	f := NewFixture()
	f.Add(hr("x", 0, 60))

	first, err := f.QueryChanges(ctx, ports.ChangeQuery{Stream: domain.StreamHeartRate})
	require.NoError(t, err)

	f.Add(hr("x", 0, 61))
	f.Add(hr("x", 0, 62), hr("y", time.Minute, 70))
	f.Add(hr("z", 2*time.Minute, 80))
	f.Delete(domain.DeletionRef{Identity: "z", Stream: domain.StreamHeartRate})

	next, err := f.QueryChanges(ctx, ports.ChangeQuery{Stream: domain.StreamHeartRate, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, next.Samples, 2)
	require.Equal(t, "x", next.Samples[0].Identity)
	require.Equal(t, 62.0, next.Samples[0].Value.Number)
	require.Equal(t, "y", next.Samples[1].Identity)
	require.Equal(t, []domain.DeletionRef{{Identity: "z", Stream: domain.StreamHeartRate}}, next.Deletions)
}

func TestFixtureNoCursorHonoursLookback(t *testing.T) {
	f := NewFixture()
	f.Add(hr("old", -48*time.Hour, 50), hr("new", 0, 60))

	cs, err := f.QueryChanges(context.Background(), ports.ChangeQuery{
		Stream: domain.StreamHeartRate,
		Since:  base.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, cs.Samples, 1)
	require.Equal(t, "new", cs.Samples[0].Identity)
}

func TestFixtureRejectsForeignCursor(t *testing.T) {
	f := NewFixture()
	_, err := f.QueryChanges(context.Background(), ports.ChangeQuery{
		Stream: domain.StreamHeartRate, Cursor: domain.CursorToken("A1"),
	})
	require.ErrorIs(t, err, ErrBadCursor)
}

func TestFixtureDailyAndRange(t *testing.T) {
	ctx := context.Background()
	f := NewFixture()
	day := domain.StartOfDay(base)
	f.Add(
		domain.Sample{Identity: "s1", Stream: domain.StreamSteps, Unit: "count", Start: day.Add(time.Hour), End: day.Add(time.Hour), Value: domain.Number(1200)},
		domain.Sample{Identity: "s2", Stream: domain.StreamSteps, Unit: "count", Start: day.Add(5 * time.Hour), End: day.Add(5 * time.Hour), Value: domain.Number(800)},
		domain.Sample{Identity: "s3", Stream: domain.StreamSteps, Unit: "count", Start: day.AddDate(0, 0, 1), End: day.AddDate(0, 0, 1), Value: domain.Number(5)},
	)

	total, err := f.QueryDaily(ctx, domain.StreamSteps, day, domain.EndOfDay(day))
	require.NoError(t, err)
	require.True(t, total.Found)
	require.Equal(t, 2000.0, total.Value)
	require.Equal(t, "count", total.Unit)

	empty, err := f.QueryDaily(ctx, domain.StreamSteps, day.AddDate(0, 0, -3), domain.EndOfDay(day.AddDate(0, 0, -3)))
	require.NoError(t, err)
	require.False(t, empty.Found)

	rng, err := f.QueryRange(ctx, domain.StreamSteps, day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rng, 2)
}

func TestFixtureFailureInjection(t *testing.T) {
	f := NewFixture()
	boom := errors.New("authorization denied")
	f.Fail(domain.StreamHRV, boom)

	_, err := f.QueryChanges(context.Background(), ports.ChangeQuery{Stream: domain.StreamHRV})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, f.Calls(domain.StreamHRV))

	f.Fail(domain.StreamHRV, nil)
	_, err = f.QueryChanges(context.Background(), ports.ChangeQuery{Stream: domain.StreamHRV})
	require.NoError(t, err)
}

func TestFixtureNotifiesChanges(t *testing.T) {
	f := NewFixture()
	f.Add(hr("a", 0, 60))

	select {
	case st := <-f.Changes():
		require.Equal(t, domain.StreamHeartRate, st)
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestLoadFixture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	doc := `
samples:
  - uuid: hr-1
    type: heartRate
    unit: count/min
    ago: 30m
    value: 61
  - type: sleepCore
    start: 2026-03-01T01:00:00Z
    end: 2026-03-01T02:30:00Z
    value: asleepCore
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	f, err := LoadFixture(path, base)
	require.NoError(t, err)

	hrs, err := f.QueryRange(context.Background(), domain.StreamHeartRate, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hrs, 1)
	require.True(t, hrs[0].Start.Equal(base.Add(-30*time.Minute)))
	v, ok := hrs[0].Value.Float()
	require.True(t, ok)
	require.Equal(t, 61.0, v)

	sleep, err := f.QueryRange(context.Background(), domain.StreamSleepCore, base.Add(-24*time.Hour), base)
	require.NoError(t, err)
	require.Len(t, sleep, 1)
	require.Equal(t, "asleepCore", sleep[0].Value.String())
	require.Equal(t, "fixture-sleepCore-1", sleep[0].Identity)

	select {
	case <-f.Changes():
		t.Fatal("initial load must not signal changes")
	default:
	}
}

func TestLoadFixtureRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte("samples:\n  - type: bloodGlucose\n    ago: 1h\n    value: 5\n"), 0o644))

	_, err := LoadFixture(path, base)
	require.Error(t, err)
}
