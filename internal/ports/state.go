package ports

import (
	"context"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
)

// SyncRecord describes the last collect/drain cycle that delivered data.
type SyncRecord struct {
	At      time.Time `msgpack:"at"`
	Sent    int       `msgpack:"sent"`
	Trigger string    `msgpack:"trigger"`
}

// StateStore keeps agent bookkeeping that must survive restarts.
type StateStore interface {
	Credentials(ctx context.Context) (domain.Credentials, bool, error)
	SaveCredentials(ctx context.Context, c domain.Credentials) error
	LastSync(ctx context.Context) (SyncRecord, bool, error)
	SaveLastSync(ctx context.Context, r SyncRecord) error
}
