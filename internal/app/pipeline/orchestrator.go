package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// TriggerKind names the stimulus that started a sync.
type TriggerKind string

const (
	TriggerForeground   TriggerKind = "foreground"
	TriggerPeriodic     TriggerKind = "periodic"
	TriggerConnectivity TriggerKind = "connectivity"
	TriggerData         TriggerKind = "data"
	TriggerManual       TriggerKind = "manual"
)

// Reactive triggers are event driven and pass through the rate limiter.
func (k TriggerKind) Reactive() bool {
	return k == TriggerConnectivity || k == TriggerData
}

func ParseTrigger(s string) (TriggerKind, error) {
	switch k := TriggerKind(s); k {
	case TriggerForeground, TriggerPeriodic, TriggerConnectivity, TriggerData, TriggerManual:
		return k, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

// CredentialsFunc resolves the device credentials at drain time.
type CredentialsFunc func(ctx context.Context) (domain.Credentials, error)

// Deps wires a Pipeline. State and Credentials are optional.
type Deps struct {
	Source      ports.HealthSource
	Anchors     ports.AnchorStore
	Queue       ports.UploadQueue
	Sink        ports.RemoteSink
	State       ports.StateStore
	Obs         ports.Observability
	Policy      ports.Policy
	Streams     []ports.StreamSpec
	Credentials CredentialsFunc
	Now         func() time.Time
}

// SyncReport describes one collect, enqueue and drain cycle.
type SyncReport struct {
	Trigger   TriggerKind         `json:"trigger"`
	Skipped   bool                `json:"skipped,omitempty"`
	Collected int                 `json:"collected"`
	Deletions int                 `json:"deletions"`
	Enqueued  int                 `json:"enqueued_batches"`
	Failed    []domain.StreamType `json:"failed_streams,omitempty"`
	Drain     DrainResult         `json:"drain"`
}

// Status is the read-only view offered to operators.
type Status struct {
	QueueLength int       `json:"queue_length"`
	DeadLetters int       `json:"dead_letters"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
	LastSent    int       `json:"last_sent"`
	LastTrigger string    `json:"last_trigger,omitempty"`
	Registered  bool      `json:"registered"`
}

// Pipeline serialises every collect, enqueue and drain through one gate so
// the queue and the anchors only ever have a single writer.
type Pipeline struct {
	deps      Deps
	collector *Collector
	drainer   *Drainer
	gate      *semaphore.Weighted
	limiter   *rate.Limiter
	byStream  map[domain.StreamType]ports.StreamSpec
}

func New(d Deps) *Pipeline {
	d.Policy.ApplyDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if len(d.Streams) == 0 {
		d.Streams = ports.DefaultStreams()
	}
	p := &Pipeline{
		deps:      d,
		collector: NewCollector(d.Source, d.Anchors, d.Policy, d.Obs),
		drainer:   NewDrainer(d.Queue, d.Anchors, d.Sink, d.Policy, d.Obs),
		gate:      semaphore.NewWeighted(1),
		byStream:  make(map[domain.StreamType]ports.StreamSpec, len(d.Streams)),
	}
	p.drainer.now = d.Now
	if d.Policy.MinTriggerInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(d.Policy.MinTriggerInterval), 1)
	}
	for _, s := range d.Streams {
		p.byStream[s.Stream] = s
	}
	return p
}

func (p *Pipeline) Streams() []ports.StreamSpec { return p.deps.Streams }

// Sync runs collect then drain for a trigger. Reactive triggers arriving
// faster than the configured minimum interval return a skipped report.
func (p *Pipeline) Sync(ctx context.Context, kind TriggerKind) (SyncReport, error) {
	rep := SyncReport{Trigger: kind}
	if kind.Reactive() && p.limiter != nil && !p.limiter.Allow() {
		rep.Skipped = true
		p.deps.Obs.IncCounter(ports.MetricTriggersThrottled, 1)
		return rep, nil
	}

	if err := p.gate.Acquire(ctx, 1); err != nil {
		return rep, err
	}
	defer p.gate.Release(1)

	col, n, err := p.collectAndEnqueue(ctx, p.deps.Streams)
	rep.Collected, rep.Deletions, rep.Enqueued, rep.Failed = len(col.Samples), len(col.Deletions), n, col.Failed
	if err != nil {
		return rep, err
	}

	rep.Drain, err = p.drain(ctx, 0, kind)
	return rep, err
}

// CollectAndEnqueue collects the given streams (all configured streams when
// none are named) and persists the result without draining.
func (p *Pipeline) CollectAndEnqueue(ctx context.Context, streams ...domain.StreamType) (SyncReport, error) {
	rep := SyncReport{Trigger: TriggerManual}
	specs, err := p.specs(streams)
	if err != nil {
		return rep, err
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return rep, err
	}
	defer p.gate.Release(1)

	col, n, err := p.collectAndEnqueue(ctx, specs)
	rep.Collected, rep.Deletions, rep.Enqueued, rep.Failed = len(col.Samples), len(col.Deletions), n, col.Failed
	return rep, err
}

// Drain delivers up to maxBatches queued batches (policy default when <= 0).
func (p *Pipeline) Drain(ctx context.Context, maxBatches int) (DrainResult, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return DrainResult{}, err
	}
	defer p.gate.Release(1)
	return p.drain(ctx, maxBatches, TriggerManual)
}

// Publish enqueues caller-supplied records with no cursors, then drains.
func (p *Pipeline) Publish(ctx context.Context, samples []domain.Sample, deletions []domain.DeletionRef) (DrainResult, error) {
	if err := validateAll(samples); err != nil {
		return DrainResult{}, err
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return DrainResult{}, err
	}
	defer p.gate.Release(1)

	if _, err := p.enqueue(ctx, Collection{Samples: samples, Deletions: deletions}); err != nil {
		return DrainResult{}, err
	}
	return p.drain(ctx, 0, TriggerManual)
}

// Enqueue persists caller-supplied records with no cursors and returns the
// number of batches written. Nothing is delivered.
func (p *Pipeline) Enqueue(ctx context.Context, samples []domain.Sample, deletions []domain.DeletionRef) (int, error) {
	if err := validateAll(samples); err != nil {
		return 0, err
	}
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer p.gate.Release(1)
	return p.enqueue(ctx, Collection{Samples: samples, Deletions: deletions})
}

func validateAll(samples []domain.Sample) error {
	for _, s := range samples {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) Status(ctx context.Context) (Status, error) {
	var st Status
	n, err := p.deps.Queue.Len(ctx)
	if err != nil {
		return st, err
	}
	st.QueueLength = n
	if dlq, ok := p.deps.Queue.(ports.DeadLetterQueue); ok {
		dead, err := dlq.DeadLetters(ctx)
		if err != nil {
			return st, err
		}
		st.DeadLetters = len(dead)
	}
	if p.deps.State != nil {
		rec, ok, err := p.deps.State.LastSync(ctx)
		if err != nil {
			return st, err
		}
		if ok {
			st.LastSyncAt, st.LastSent, st.LastTrigger = rec.At, rec.Sent, rec.Trigger
		}
	}
	creds, err := p.credentials(ctx)
	st.Registered = err == nil && creds.Complete()
	return st, nil
}

func (p *Pipeline) collectAndEnqueue(ctx context.Context, specs []ports.StreamSpec) (Collection, int, error) {
	col, err := p.collector.Collect(ctx, specs, p.deps.Now())
	if err != nil {
		return col, 0, err
	}
	n, err := p.enqueue(ctx, col)
	return col, n, err
}

// enqueue persists a collection as one or more batches of at most
// MaxSamplesPerBatch samples. Deletions and pending cursors ride on the last
// batch, so no cursor commits before every sample it covers is delivered.
func (p *Pipeline) enqueue(ctx context.Context, col Collection) (int, error) {
	if col.Empty() {
		return 0, nil
	}
	size := p.deps.Policy.MaxSamplesPerBatch
	chunks := [][]domain.Sample{col.Samples}
	if size > 0 && len(col.Samples) > size {
		chunks = chunks[:0]
		for start := 0; start < len(col.Samples); start += size {
			chunks = append(chunks, col.Samples[start:min(start+size, len(col.Samples))])
		}
	}

	// Enqueue appends exactly one batch per call, so a crash can only drop a
	// suffix of the chunks. The cursors are in that suffix.
	bctx := context.WithoutCancel(ctx)
	for i, chunk := range chunks {
		var (
			dels    []domain.DeletionRef
			cursors map[domain.StreamType]domain.CursorToken
		)
		if i == len(chunks)-1 {
			dels, cursors = col.Deletions, col.Cursors
		}
		b, err := p.deps.Queue.Enqueue(bctx, chunk, dels, cursors)
		if err != nil {
			p.deps.Obs.LogCritical("enqueue_failed", err, ports.Field{Key: "chunk", Value: i})
			return i, fmt.Errorf("enqueue: %w", err)
		}
		if b != nil {
			p.deps.Obs.IncCounter(ports.MetricBatchesEnqueued, 1)
		}
	}
	return len(chunks), nil
}

func (p *Pipeline) drain(ctx context.Context, maxBatches int, kind TriggerKind) (DrainResult, error) {
	creds, err := p.credentials(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	res, err := p.drainer.Drain(ctx, creds, maxBatches)
	// A pass that only waited out the head's backoff is not a sync.
	if res.Deferred && res.Batches == 0 {
		return res, err
	}
	if err == nil && p.deps.State != nil {
		rec := ports.SyncRecord{At: p.deps.Now().UTC(), Sent: res.Sent, Trigger: string(kind)}
		if serr := p.deps.State.SaveLastSync(context.WithoutCancel(ctx), rec); serr != nil {
			p.deps.Obs.LogError("status_save_failed", serr)
		}
	}
	return res, err
}

func (p *Pipeline) credentials(ctx context.Context) (domain.Credentials, error) {
	if p.deps.Credentials != nil {
		return p.deps.Credentials(ctx)
	}
	if p.deps.State != nil {
		c, ok, err := p.deps.State.Credentials(ctx)
		if err != nil {
			return domain.Credentials{}, err
		}
		if ok {
			return c, nil
		}
	}
	return domain.Credentials{}, nil
}

func (p *Pipeline) specs(streams []domain.StreamType) ([]ports.StreamSpec, error) {
	if len(streams) == 0 {
		return p.deps.Streams, nil
	}
	out := make([]ports.StreamSpec, 0, len(streams))
	var errs []error
	for _, st := range streams {
		spec, ok := p.byStream[st]
		if !ok {
			errs = append(errs, fmt.Errorf("stream %q is not configured", st))
			continue
		}
		out = append(out, spec)
	}
	return out, errors.Join(errs...)
}
