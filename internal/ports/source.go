package ports

import (
	"context"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
)

// ChangeQuery asks the health store for everything that changed on one stream
// since Cursor. Since is a lookback hint used when Cursor is nil.
type ChangeQuery struct {
	Stream domain.StreamType
	Cursor domain.CursorToken
	Since  time.Time
	Until  time.Time
}

// ChangeSet is the answer to a ChangeQuery. NextCursor is nil when the source
// did not hand out a new position.
type ChangeSet struct {
	Samples    []domain.Sample
	Deletions  []domain.DeletionRef
	NextCursor domain.CursorToken
}

// DailyTotal is the aggregate of a counter stream over one calendar day.
type DailyTotal struct {
	Value float64
	Unit  string
	Found bool
}

// HealthSource is the on-device health store.
type HealthSource interface {
	QueryChanges(ctx context.Context, q ChangeQuery) (ChangeSet, error)
	QueryRange(ctx context.Context, stream domain.StreamType, start, end time.Time) ([]domain.Sample, error)
	QueryDaily(ctx context.Context, stream domain.StreamType, dayStart, dayEnd time.Time) (DailyTotal, error)
}

// ChangeNotifier is implemented by sources that can push "new data" signals.
type ChangeNotifier interface {
	Changes() <-chan domain.StreamType
}
