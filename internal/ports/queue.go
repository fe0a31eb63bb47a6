package ports

import (
	"context"
	"errors"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
)

// ErrHeadMismatch is returned when a head mutation names a batch that is no
// longer at the front of the queue.
var ErrHeadMismatch = errors.New("queue: batch is not at head")

// ErrQueueEmpty is returned by head mutations on an empty queue.
var ErrQueueEmpty = errors.New("queue: empty")

// AnchorStore keeps one cursor token per stream.
type AnchorStore interface {
	// Get never fails: unreadable or corrupt tokens are reported as absent.
	Get(ctx context.Context, stream domain.StreamType) (domain.CursorToken, bool)
	Set(ctx context.Context, stream domain.StreamType, token domain.CursorToken) error
}

// UploadQueue is the durable FIFO of upload batches. Append and pop-front are
// the only structural mutations of the live queue.
type UploadQueue interface {
	Enqueue(ctx context.Context, samples []domain.Sample, deletions []domain.DeletionRef, cursors map[domain.StreamType]domain.CursorToken) (*domain.UploadBatch, error)
	PeekHead(ctx context.Context) (*domain.UploadBatch, error)
	PopHead(ctx context.Context, id string) error
	IncrementHeadAttempts(ctx context.Context, id string, at time.Time, cause error) (int, error)
	Len(ctx context.Context) (int, error)
}

// DeadLetterQueue is implemented by queues that can park undeliverable heads.
type DeadLetterQueue interface {
	DeadLetterHead(ctx context.Context, id string) error
	DeadLetters(ctx context.Context) ([]domain.UploadBatch, error)
	Requeue(ctx context.Context) (int, error)
}
