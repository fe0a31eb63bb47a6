package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Collection is the merged result of one collection pass. Cursors holds the
// positions to commit once everything in the collection has been delivered.
type Collection struct {
	Samples   []domain.Sample
	Deletions []domain.DeletionRef
	Cursors   map[domain.StreamType]domain.CursorToken
	Failed    []domain.StreamType
}

// Empty reports whether there is nothing to enqueue.
func (c Collection) Empty() bool {
	return len(c.Samples) == 0 && len(c.Deletions) == 0
}

type streamResult struct {
	samples   []domain.Sample
	deletions []domain.DeletionRef
	cursor    domain.CursorToken
	failed    bool
}

// Collector reads new records per stream without moving any cursor.
type Collector struct {
	src     ports.HealthSource
	anchors ports.AnchorStore
	pol     ports.Policy
	obs     ports.Observability
}

func NewCollector(src ports.HealthSource, anchors ports.AnchorStore, pol ports.Policy, obs ports.Observability) *Collector {
	return &Collector{src: src, anchors: anchors, pol: pol, obs: obs}
}

// Collect queries every stream concurrently. A failing stream is logged and
// listed in Failed; the others still contribute. Only cancellation of ctx
// fails the whole pass.
func (c *Collector) Collect(ctx context.Context, streams []ports.StreamSpec, now time.Time) (Collection, error) {
	results := make([]streamResult, len(streams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.pol.CollectParallelism))
	for i, spec := range streams {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = c.collectStream(gctx, spec, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Collection{}, err
	}
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}

	return merge(streams, results), nil
}

func (c *Collector) collectStream(ctx context.Context, spec ports.StreamSpec, now time.Time) streamResult {
	if spec.Mode == ports.ModeDaily {
		day := domain.StartOfDay(now)
		s, ok, err := c.dailySample(ctx, spec, day, now)
		if err != nil {
			c.sourceFailed(spec.Stream, err)
			return streamResult{failed: true}
		}
		if !ok {
			return streamResult{}
		}
		return streamResult{samples: []domain.Sample{s}}
	}

	q := ports.ChangeQuery{Stream: spec.Stream, Until: now}
	if tok, ok := c.anchors.Get(ctx, spec.Stream); ok {
		q.Cursor = tok
	} else {
		q.Since = now.Add(-c.pol.InitialLookback)
	}

	cs, err := c.src.QueryChanges(ctx, q)
	if err != nil {
		c.sourceFailed(spec.Stream, err)
		return streamResult{failed: true}
	}
	return streamResult{
		samples:   withUnit(cs.Samples, spec.Unit),
		deletions: cs.Deletions,
		cursor:    cs.NextCursor,
	}
}

// CollectRange reads a time window for backfill. It never consults or
// returns cursors.
func (c *Collector) CollectRange(ctx context.Context, streams []ports.StreamSpec, start, end time.Time) (Collection, error) {
	results := make([]streamResult, len(streams))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.pol.CollectParallelism))
	for i, spec := range streams {
		g.Go(func() error {
			samples, err := c.src.QueryRange(gctx, spec.Stream, start, end)
			if err != nil {
				c.sourceFailed(spec.Stream, err)
				results[i] = streamResult{failed: true}
				return nil
			}
			results[i] = streamResult{samples: withUnit(samples, spec.Unit)}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Collection{}, err
	}
	return merge(streams, results), nil
}

// CollectDay produces the per-day totals of daily streams for one calendar
// day.
func (c *Collector) CollectDay(ctx context.Context, streams []ports.StreamSpec, day time.Time) (Collection, error) {
	var col Collection
	for _, spec := range streams {
		if err := ctx.Err(); err != nil {
			return Collection{}, err
		}
		s, ok, err := c.dailySample(ctx, spec, day, domain.EndOfDay(day))
		if err != nil {
			c.sourceFailed(spec.Stream, err)
			col.Failed = append(col.Failed, spec.Stream)
			continue
		}
		if ok {
			col.Samples = append(col.Samples, s)
		}
	}
	return col, nil
}

// dailySample builds the aggregate sample of one day. Its identity depends
// only on the stream and the day, so re-collecting upserts the same record.
func (c *Collector) dailySample(ctx context.Context, spec ports.StreamSpec, day, end time.Time) (domain.Sample, bool, error) {
	total, err := c.src.QueryDaily(ctx, spec.Stream, day, domain.EndOfDay(day))
	if err != nil {
		return domain.Sample{}, false, err
	}
	if !total.Found {
		return domain.Sample{}, false, nil
	}
	unit := total.Unit
	if unit == "" {
		unit = spec.Unit
	}
	return domain.Sample{
		Identity: domain.DayIdentity(spec.Stream, day),
		Stream:   spec.Stream,
		Unit:     unit,
		Start:    day,
		End:      end,
		Value:    domain.Number(total.Value),
	}, true, nil
}

func (c *Collector) sourceFailed(stream domain.StreamType, err error) {
	c.obs.IncCounter(ports.MetricSourceErrors, 1)
	c.obs.LogError("source_query_failed", err, ports.Field{Key: "stream", Value: stream})
}

func merge(streams []ports.StreamSpec, results []streamResult) Collection {
	var col Collection
	for i, r := range results {
		st := streams[i].Stream
		if r.failed {
			col.Failed = append(col.Failed, st)
			continue
		}
		col.Samples = append(col.Samples, r.samples...)
		col.Deletions = append(col.Deletions, r.deletions...)
		if len(r.cursor) > 0 {
			if col.Cursors == nil {
				col.Cursors = make(map[domain.StreamType]domain.CursorToken)
			}
			col.Cursors[st] = r.cursor
		}
	}
	return col
}

func withUnit(samples []domain.Sample, unit string) []domain.Sample {
	if unit == "" {
		return samples
	}
	for i := range samples {
		if samples[i].Unit == "" {
			samples[i].Unit = unit
		}
	}
	return samples
}
