package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// ErrNotRegistered is returned by Drain when no device credentials exist.
var ErrNotRegistered = errors.New("device not registered")

// DrainResult summarises one drain pass.
type DrainResult struct {
	Sent      int  `json:"sent"`
	Deleted   int  `json:"deleted"`
	Batches   int  `json:"batches"`
	Remaining int  `json:"remaining"`
	Deferred  bool `json:"deferred,omitempty"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Sent += o.Sent
	r.Deleted += o.Deleted
	r.Batches += o.Batches
	r.Remaining = o.Remaining
	r.Deferred = o.Deferred
}

// Drainer delivers the queue head to the remote sink, strictly in order, and
// commits the head's pending cursors only after the sink accepted it.
type Drainer struct {
	queue   ports.UploadQueue
	anchors ports.AnchorStore
	sink    ports.RemoteSink
	pol     ports.Policy
	obs     ports.Observability
	now     func() time.Time
}

func NewDrainer(q ports.UploadQueue, anchors ports.AnchorStore, sink ports.RemoteSink, pol ports.Policy, obs ports.Observability) *Drainer {
	return &Drainer{queue: q, anchors: anchors, sink: sink, pol: pol, obs: obs, now: time.Now}
}

// Drain delivers at most maxBatches batches. It stops at the first failure,
// leaving that batch at the head with its attempt counter incremented.
func (d *Drainer) Drain(ctx context.Context, creds domain.Credentials, maxBatches int) (DrainResult, error) {
	var res DrainResult
	if maxBatches <= 0 {
		maxBatches = d.pol.MaxBatchesPerDrain
	}
	if !creds.Complete() {
		n, _ := d.queue.Len(ctx)
		res.Remaining = n
		return res, ErrNotRegistered
	}

	for i := 0; i < maxBatches; i++ {
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, res, err)
		}

		head, err := d.queue.PeekHead(ctx)
		if err != nil {
			return d.finish(ctx, res, fmt.Errorf("peek head: %w", err))
		}
		if head == nil {
			break
		}

		now := d.now()
		if wait := d.pol.RetryDelay(head.Attempts); wait > 0 && now.Before(head.LastAttemptAt.Add(wait)) {
			res.Deferred = true
			d.obs.LogInfo("drain_deferred",
				ports.Field{Key: "batch", Value: head.ID},
				ports.Field{Key: "attempts", Value: head.Attempts},
				ports.Field{Key: "retry_at", Value: head.LastAttemptAt.Add(wait)})
			break
		}

		if err := d.deliver(ctx, creds, head, now); err != nil {
			return d.finish(ctx, res, err)
		}

		res.Batches++
		res.Sent += len(head.Samples)
		res.Deleted += len(head.Deletions)
	}
	return d.finish(ctx, res, nil)
}

func (d *Drainer) deliver(ctx context.Context, creds domain.Credentials, head *domain.UploadBatch, now time.Time) error {
	var (
		dctx   context.Context
		cancel context.CancelFunc
	)
	if d.pol.DeliveryTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, d.pol.DeliveryTimeout)
	} else {
		dctx, cancel = context.WithCancel(ctx)
	}
	start := time.Now()
	out, err := d.sink.Deliver(dctx, creds, head)
	cancel()
	d.obs.ObserveLatency(ports.MetricDeliveryLatency, time.Since(start).Seconds())

	// Bookkeeping must land even when the caller is going away.
	bctx := context.WithoutCancel(ctx)

	if err != nil {
		if !errors.Is(err, ports.ErrProtocol) && !errors.Is(err, ports.ErrDelivery) {
			err = fmt.Errorf("%w: %w", ports.ErrDelivery, err)
		}
		return d.failed(bctx, head, now, err)
	}

	for stream, tok := range head.PendingCursors {
		if serr := d.anchors.Set(bctx, stream, tok); serr != nil {
			// The batch stays at the head; resending it is harmless.
			d.obs.LogCritical("anchor_commit_failed", serr,
				ports.Field{Key: "batch", Value: head.ID},
				ports.Field{Key: "stream", Value: stream})
			return fmt.Errorf("commit cursor %s: %w", stream, serr)
		}
	}
	if err := d.queue.PopHead(bctx, head.ID); err != nil {
		return fmt.Errorf("pop head: %w", err)
	}

	d.obs.IncCounter(ports.MetricSamplesSent, float64(len(head.Samples)))
	d.obs.IncCounter(ports.MetricDeletionsSent, float64(len(head.Deletions)))
	d.obs.LogInfo("batch_delivered",
		ports.Field{Key: "batch", Value: head.ID},
		ports.Field{Key: "sink", Value: d.sink.Name()},
		ports.Field{Key: "samples", Value: len(head.Samples)},
		ports.Field{Key: "inserted", Value: out.Inserted},
		ports.Field{Key: "updated", Value: out.Updated},
		ports.Field{Key: "deleted", Value: out.Deleted})
	return nil
}

func (d *Drainer) failed(ctx context.Context, head *domain.UploadBatch, now time.Time, cause error) error {
	d.obs.IncCounter(ports.MetricDeliveryFailures, 1)
	attempts, err := d.queue.IncrementHeadAttempts(ctx, head.ID, now, cause)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record attempt: %w", err))
	}
	d.obs.LogError("batch_delivery_failed", cause,
		ports.Field{Key: "batch", Value: head.ID},
		ports.Field{Key: "attempts", Value: attempts})

	if d.pol.MaxAttempts > 0 && attempts >= d.pol.MaxAttempts && !errors.Is(cause, ports.ErrUnauthorized) {
		if dlq, ok := d.queue.(ports.DeadLetterQueue); ok {
			if err := dlq.DeadLetterHead(ctx, head.ID); err != nil {
				return errors.Join(cause, fmt.Errorf("dead-letter: %w", err))
			}
			head.Attempts = attempts
			d.obs.RecordDeadLetter(head, cause)
		}
	}
	return cause
}

func (d *Drainer) finish(ctx context.Context, res DrainResult, err error) (DrainResult, error) {
	bctx := context.WithoutCancel(ctx)
	if n, lerr := d.queue.Len(bctx); lerr == nil {
		res.Remaining = n
		d.obs.SetGauge(ports.MetricQueueLength, float64(n))
	}
	if dlq, ok := d.queue.(ports.DeadLetterQueue); ok {
		if dead, derr := dlq.DeadLetters(bctx); derr == nil {
			d.obs.SetGauge(ports.MetricDeadLetterLength, float64(len(dead)))
		}
	}
	return res, err
}
