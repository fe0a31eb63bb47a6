package healthsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalebradshaw/healthsync/internal/adapters/anchor"
	"github.com/dalebradshaw/healthsync/internal/adapters/kv"
	"github.com/dalebradshaw/healthsync/internal/adapters/observability"
	"github.com/dalebradshaw/healthsync/internal/adapters/queue"
	"github.com/dalebradshaw/healthsync/internal/adapters/remote"
	"github.com/dalebradshaw/healthsync/internal/adapters/source"
	"github.com/dalebradshaw/healthsync/internal/adapters/state"
	"github.com/dalebradshaw/healthsync/internal/app/pipeline"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// ErrRegistrationUnsupported is returned by Register when the remote sink
// cannot issue device credentials.
var ErrRegistrationUnsupported = errors.New("healthsync: remote sink does not support registration")

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	source        HealthSource
	sink          RemoteSink
	kv            KV
	queue         UploadQueue
	anchors       AnchorStore
	observability Observability
	registry      *prometheus.Registry
	now           func() time.Time
}

// WithSource injects the health store to read from.
func WithSource(src HealthSource) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.source = src
	}
}

// WithRemoteSink replaces the HTTP ingest client.
func WithRemoteSink(s RemoteSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sink = s
	}
}

// WithKV supplies an already opened store. The runtime does not close it.
func WithKV(store KV) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.kv = store
	}
}

// WithUploadQueue replaces the durable queue built on the KV.
func WithUploadQueue(q UploadQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithAnchorStore replaces the KV-backed anchor store.
func WithAnchorStore(a AnchorStore) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.anchors = a
	}
}

// WithObservability plugs in a custom metrics and logging backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithMetricsRegistry makes the runtime register its default metrics in reg
// and serve reg from MetricsHandler. Pair it with WithObservability to expose
// the collectors of a custom backend.
func WithMetricsRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// WithClock overrides the wall clock used for windows and retry timing.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.now = now
	}
}

type registrar interface {
	RegisterDevice(ctx context.Context, userID, deviceName string) (domain.Credentials, error)
}

// Runtime wires source → collector → durable queue → drainer → remote sink and
// runs the trigger loops. It is the embeddable form of the agent.
type Runtime struct {
	cfg      *Config
	obs      ports.Observability
	kv       ports.KV
	ownKV    bool
	source   ports.HealthSource
	sink     ports.RemoteSink
	queue    ports.UploadQueue
	state    *state.Store
	pipe     *pipeline.Pipeline
	registry *prometheus.Registry

	metricsSrv *http.Server
	cancel     context.CancelFunc
	loops      sync.WaitGroup
}

// NewRuntime bootstraps the default adapters (KV store from config, durable
// queue, anchor store, fixture source, HTTP ingest client, Prometheus
// observability). RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(observability.WithRegisterer(reg))
	}

	rt := &Runtime{cfg: cfg, obs: obs, registry: reg}

	rt.kv = overrides.kv
	if rt.kv == nil {
		store, err := kv.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		rt.kv, rt.ownKV = store, true
	}
	rt.state = state.NewStore(rt.kv)

	rt.queue = overrides.queue
	if rt.queue == nil {
		rt.queue = queue.NewDurableQueue(rt.kv)
	}
	anchors := overrides.anchors
	if anchors == nil {
		anchors = anchor.NewStore(rt.kv, obs)
	}

	rt.source = overrides.source
	if rt.source == nil {
		src, err := defaultSource(cfg)
		if err != nil {
			rt.closeKV()
			return nil, err
		}
		rt.source = src
	}

	rt.sink = overrides.sink
	if rt.sink == nil {
		rt.sink = remote.NewHTTPSink(cfg.Remote.BaseURL,
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}),
			remote.WithCompression(cfg.Remote.Compress))
	}

	rt.pipe = pipeline.New(pipeline.Deps{
		Source:      rt.source,
		Anchors:     anchors,
		Queue:       rt.queue,
		Sink:        rt.sink,
		State:       rt.state,
		Obs:         obs,
		Policy:      cfg.Policy,
		Streams:     cfg.Streams,
		Credentials: rt.credentials,
		Now:         overrides.now,
	})
	return rt, nil
}

func defaultSource(cfg *Config) (ports.HealthSource, error) {
	if cfg.Source.Fixture == "" {
		return source.NewFixture(), nil
	}
	fx, err := source.LoadFixture(cfg.Source.Fixture, time.Now())
	if err != nil {
		return nil, fmt.Errorf("load fixture source: %w", err)
	}
	return fx, nil
}

// Start launches the metrics server and the periodic and data-change trigger
// loops, then runs a foreground sync. It returns immediately.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.cancel != nil {
		return fmt.Errorf("runtime already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if !r.cfg.Metrics.Disabled {
		r.startMetrics()
	}

	r.spawn(func() { r.trigger(ctx, TriggerForeground) })
	if every := r.cfg.Policy.PeriodicInterval; every > 0 {
		r.spawn(func() { r.periodic(ctx, every) })
	}
	if n, ok := r.source.(ports.ChangeNotifier); ok {
		r.spawn(func() { r.watch(ctx, n.Changes()) })
	}
	r.spawn(func() { r.recordGauges(ctx, 5*time.Second) })
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled, then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the loops and the metrics server and closes the store. A
// drain in flight finishes its current batch first. If ctx ends before the
// loops return, the store stays open and Shutdown may be called again.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.cancel != nil {
		r.cancel()
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Loops still hold the store; leave it open so a later Shutdown can
		// close it once they return.
		errs = append(errs, ctx.Err())
		return errors.Join(errs...)
	}

	if err := r.closeKV(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Trigger runs one sync for kind. Reactive kinds may come back Skipped.
func (r *Runtime) Trigger(ctx context.Context, kind TriggerKind) (SyncReport, error) {
	return r.pipe.Sync(ctx, kind)
}

// CollectAndEnqueue collects the named streams (all when none) without
// draining.
func (r *Runtime) CollectAndEnqueue(ctx context.Context, streams ...StreamType) (SyncReport, error) {
	return r.pipe.CollectAndEnqueue(ctx, streams...)
}

// Drain delivers up to maxBatches queued batches.
func (r *Runtime) Drain(ctx context.Context, maxBatches int) (DrainResult, error) {
	return r.pipe.Drain(ctx, maxBatches)
}

// Backfill uploads days of history before today.
func (r *Runtime) Backfill(ctx context.Context, days int) (BackfillReport, error) {
	return r.pipe.Backfill(ctx, days)
}

// Publish uploads caller-supplied samples and deletions through the queue.
func (r *Runtime) Publish(ctx context.Context, samples []Sample, deletions []DeletionRef) (DrainResult, error) {
	return r.pipe.Publish(ctx, samples, deletions)
}

func (r *Runtime) Status(ctx context.Context) (Status, error) {
	return r.pipe.Status(ctx)
}

// DeadLetters lists batches parked after exhausting their attempts.
func (r *Runtime) DeadLetters(ctx context.Context) ([]UploadBatch, error) {
	dlq, ok := r.queue.(ports.DeadLetterQueue)
	if !ok {
		return nil, nil
	}
	return dlq.DeadLetters(ctx)
}

// Requeue moves every dead-lettered batch back to the tail of the queue,
// without their cursors.
func (r *Runtime) Requeue(ctx context.Context) (int, error) {
	dlq, ok := r.queue.(ports.DeadLetterQueue)
	if !ok {
		return 0, nil
	}
	n, err := dlq.Requeue(ctx)
	if err == nil && n > 0 {
		r.obs.LogInfo("dead_letters_requeued", ports.Field{Key: "batches", Value: n})
	}
	return n, err
}

// Register obtains device credentials from the backend and persists them.
func (r *Runtime) Register(ctx context.Context, userID, deviceName string) (Credentials, error) {
	reg, ok := r.sink.(registrar)
	if !ok {
		return Credentials{}, ErrRegistrationUnsupported
	}
	creds, err := reg.RegisterDevice(ctx, userID, deviceName)
	if err != nil {
		return Credentials{}, err
	}
	if err := r.state.SaveCredentials(ctx, creds); err != nil {
		return Credentials{}, err
	}
	r.obs.LogInfo("device_registered",
		ports.Field{Key: "user", Value: creds.UserID},
		ports.Field{Key: "device", Value: creds.DeviceID})
	return creds, nil
}

// MetricsHandler serves the runtime's Prometheus registry: a private one
// unless WithMetricsRegistry supplied it. A custom Observability registers
// nothing there on its own.
func (r *Runtime) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// credentials prefers the configured device and falls back to the persisted
// registration.
func (r *Runtime) credentials(ctx context.Context) (domain.Credentials, error) {
	if c := r.cfg.Device.Credentials(); c.Complete() {
		return c, nil
	}
	c, _, err := r.state.Credentials(ctx)
	return c, err
}

func (r *Runtime) spawn(fn func()) {
	r.loops.Add(1)
	go func() {
		defer r.loops.Done()
		fn()
	}()
}

func (r *Runtime) trigger(ctx context.Context, kind TriggerKind) {
	rep, err := r.pipe.Sync(ctx, kind)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrNotRegistered):
		r.obs.LogInfo("sync_waiting_for_registration", ports.Field{Key: "trigger", Value: kind})
		return
	default:
		r.obs.LogError("sync_failed", err, ports.Field{Key: "trigger", Value: kind})
		return
	}
	if !rep.Skipped {
		r.obs.LogInfo("sync_finished",
			ports.Field{Key: "trigger", Value: kind},
			ports.Field{Key: "collected", Value: rep.Collected},
			ports.Field{Key: "sent", Value: rep.Drain.Sent},
			ports.Field{Key: "remaining", Value: rep.Drain.Remaining})
	}
}

func (r *Runtime) periodic(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.trigger(ctx, TriggerPeriodic)
		}
	}
}

func (r *Runtime) watch(ctx context.Context, changes <-chan domain.StreamType) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			r.trigger(ctx, TriggerData)
		}
	}
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := r.Status(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})

	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()
}

func (r *Runtime) recordGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := r.pipe.Status(ctx)
			if err != nil {
				continue
			}
			r.obs.SetGauge(ports.MetricQueueLength, float64(st.QueueLength))
			r.obs.SetGauge(ports.MetricDeadLetterLength, float64(st.DeadLetters))
		}
	}
}

func (r *Runtime) closeKV() error {
	if !r.ownKV || r.kv == nil {
		return nil
	}
	err := r.kv.Close()
	r.kv = nil
	return err
}
