package healthsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dalebradshaw/healthsync/internal/adapters/anchor"
	"github.com/dalebradshaw/healthsync/internal/adapters/kv"
	"github.com/dalebradshaw/healthsync/internal/adapters/observability"
	"github.com/dalebradshaw/healthsync/internal/adapters/queue"
	"github.com/dalebradshaw/healthsync/internal/app/pipeline"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("healthsync: publisher closed")

// localCredentials identify a Publisher to its callback sink, which has no
// notion of devices.
var localCredentials = domain.Credentials{UserID: "local", DeviceID: "publisher", Token: "local"}

// PublisherConfig configures the queue-backed publisher used by callers.
type PublisherConfig struct {
	Policy Policy
	Store  StoreConfig
	// IdleSleep is how often the drain loop retries a non-empty queue.
	IdleSleep time.Duration
	// Observability defaults to a no-op backend.
	Observability Observability
}

// applyDefaults fills in sane thresholds so callers only override what they need.
func (c *PublisherConfig) applyDefaults() {
	c.Policy.ApplyDefaults()
	if c.Store.Driver == "" {
		c.Store.Driver = "badger"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/healthsync-publisher"
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
}

func (c *PublisherConfig) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Policy.MaxSamplesPerBatch <= 0 {
		return fmt.Errorf("policy.max_samples_per_batch must be > 0")
	}
	return nil
}

// Publisher exposes the durable queue → sink half of the agent to external
// producers. Published records survive restarts until the sink accepts them.
type Publisher struct {
	kv   ports.KV
	pipe *pipeline.Pipeline
	obs  ports.Observability
	idle time.Duration

	wake     chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewPublisher wires a durable queue and a sink callback so callers can push
// arbitrary samples while reusing the ordering and retry guarantees.
func NewPublisher(cfg *PublisherConfig, sink SampleBatchSink) (*Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink callback is required")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	store, err := kv.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	obs := cfg.Observability
	if obs == nil {
		obs = observability.Nop{}
	}

	p := &Publisher{
		kv:   store,
		obs:  obs,
		idle: cfg.IdleSleep,
		pipe: pipeline.New(pipeline.Deps{
			Anchors: anchor.NewStore(store, obs),
			Queue:   queue.NewDurableQueue(store),
			Sink:    NewCallbackSink("publisher", sink),
			Obs:     obs,
			Policy:  cfg.Policy,
			Credentials: func(context.Context) (domain.Credentials, error) {
				return localCredentials, nil
			},
		}),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go p.run()
	return p, nil
}

// Publish validates and enqueues the records durably. Delivery happens in the
// background, in publish order.
func (p *Publisher) Publish(ctx context.Context, samples []Sample, deletions []DeletionRef) error {
	select {
	case <-p.stopCh:
		return ErrPublisherClosed
	default:
	}
	if _, err := p.pipe.Enqueue(ctx, samples, deletions); err != nil {
		return err
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports how many batches await delivery.
func (p *Publisher) Pending(ctx context.Context) (int, error) {
	st, err := p.pipe.Status(ctx)
	return st.QueueLength, err
}

// Close waits for the drain loop to exit, respecting the provided context,
// then closes the store.
func (p *Publisher) Close(ctx context.Context) error {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	select {
	case <-p.doneCh:
		return p.kv.Close()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.idle)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.wake:
		case <-ticker.C:
		}

		for {
			res, err := p.pipe.Drain(ctx, 0)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.obs.LogError("publisher_drain_failed", err)
				}
				break
			}
			if res.Remaining == 0 || res.Deferred || res.Batches == 0 {
				break
			}
		}
	}
}
