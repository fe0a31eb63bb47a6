package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// BackfillWindow is one [Start, End) slice of history.
type BackfillWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// BackfillReport summarises a backfill run.
type BackfillReport struct {
	Windows   []BackfillWindow `json:"windows"`
	Collected int              `json:"collected"`
	Enqueued  int              `json:"enqueued_batches"`
	Drain     DrainResult      `json:"drain"`
	Canceled  bool             `json:"canceled,omitempty"`
}

// PlanBackfill splits the days before today's midnight into windows of at
// most chunkDays, newest first.
func PlanBackfill(now time.Time, days, chunkDays int) []BackfillWindow {
	if days <= 0 {
		return nil
	}
	if chunkDays <= 0 {
		chunkDays = 7
	}
	today := domain.StartOfDay(now)
	var out []BackfillWindow
	for done := 0; done < days; {
		n := min(chunkDays, days-done)
		end := today.AddDate(0, 0, -done)
		out = append(out, BackfillWindow{Start: end.AddDate(0, 0, -n), End: end, Days: n})
		done += n
	}
	return out
}

// Backfill pulls days of history window by window. Each window runs its own
// collect, enqueue and drain so memory and request size stay bounded.
// Cancellation is honoured before each window and before each day; work that
// has started finishes first. Backfill batches carry no cursors.
func (p *Pipeline) Backfill(ctx context.Context, days int) (BackfillReport, error) {
	var rep BackfillReport
	rangeStreams, dailyStreams := p.backfillStreams()

	for _, w := range PlanBackfill(p.deps.Now(), days, p.deps.Policy.BackfillChunkDays) {
		if ctx.Err() != nil {
			rep.Canceled = true
			break
		}
		rep.Windows = append(rep.Windows, w)

		if len(rangeStreams) > 0 {
			if err := p.backfillStep(ctx, &rep, func(wctx context.Context) (Collection, error) {
				return p.collector.CollectRange(wctx, rangeStreams, w.Start, w.End)
			}); err != nil {
				return rep, err
			}
		}

		for i := 0; i < w.Days && len(dailyStreams) > 0; i++ {
			if ctx.Err() != nil {
				rep.Canceled = true
				break
			}
			day := w.End.AddDate(0, 0, -(i + 1))
			if err := p.backfillStep(ctx, &rep, func(wctx context.Context) (Collection, error) {
				return p.collector.CollectDay(wctx, dailyStreams, day)
			}); err != nil {
				return rep, err
			}
		}
		if rep.Canceled {
			break
		}
	}

	p.deps.Obs.LogInfo("backfill_finished",
		ports.Field{Key: "days", Value: days},
		ports.Field{Key: "windows", Value: len(rep.Windows)},
		ports.Field{Key: "collected", Value: rep.Collected},
		ports.Field{Key: "sent", Value: rep.Drain.Sent},
		ports.Field{Key: "canceled", Value: rep.Canceled})
	return rep, nil
}

// backfillStep runs collect, enqueue and drain under the gate. The step runs
// on a context detached from ctx's cancellation so it never stops half way.
// A delivery failure leaves the data queued and does not abort the backfill.
func (p *Pipeline) backfillStep(ctx context.Context, rep *BackfillReport, collect func(context.Context) (Collection, error)) error {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		if ctx.Err() != nil {
			rep.Canceled = true
			return nil
		}
		return err
	}
	defer p.gate.Release(1)

	wctx := context.WithoutCancel(ctx)
	col, err := collect(wctx)
	if err != nil {
		return err
	}
	col.Cursors = nil
	rep.Collected += len(col.Samples)
	if col.Empty() {
		return nil
	}

	n, err := p.enqueue(wctx, col)
	rep.Enqueued += n
	if err != nil {
		return err
	}

	res, err := p.drain(wctx, 0, TriggerManual)
	rep.Drain.add(res)
	if err != nil && !errors.Is(err, ports.ErrDelivery) && !errors.Is(err, ErrNotRegistered) {
		return err
	}
	if err != nil {
		p.deps.Obs.LogError("backfill_drain_failed", err)
	}
	return nil
}

func (p *Pipeline) backfillStreams() (ranged, daily []ports.StreamSpec) {
	for _, s := range p.deps.Streams {
		if s.SkipBackfill {
			continue
		}
		if s.Mode == ports.ModeDaily {
			daily = append(daily, s)
		} else {
			ranged = append(ranged, s)
		}
	}
	return ranged, daily
}
