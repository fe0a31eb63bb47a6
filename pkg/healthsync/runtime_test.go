package healthsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalebradshaw/healthsync/internal/adapters/kv"
	"github.com/dalebradshaw/healthsync/internal/adapters/sink"
	"github.com/dalebradshaw/healthsync/internal/adapters/source"
	"github.com/dalebradshaw/healthsync/internal/app/ingest"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Device:  DeviceConfig{UserID: "u1", DeviceID: "d1", Token: "tok"},
		Store:   StoreConfig{Driver: "badger", Path: t.TempDir()},
		Policy:  Policy{RetryBackoffMin: -1},
		Metrics: MetricsConfig{Disabled: true},
		Streams: []StreamSpec{{Stream: StreamHeartRate, Mode: "anchored", Unit: "count/min"}},
	}
}

func memKV(t *testing.T) KV {
	t.Helper()
	store, err := kv.NewBadgerKV("", kv.WithBadgerInMemory())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRuntimeWithCustomAdapters(t *testing.T) {
	src := &stubSource{}
	snk := &stubSink{}
	obs := &stubObservability{}

	rt, err := NewRuntime(testConfig(t),
		WithSource(src),
		WithRemoteSink(snk),
		WithKV(memKV(t)),
		WithObservability(obs),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if rt.source != src {
		t.Fatalf("expected custom source to be used")
	}
	if rt.sink != snk {
		t.Fatalf("expected custom sink to be used")
	}
	if rt.obs != obs {
		t.Fatalf("expected custom observability to be used")
	}
	if rt.ownKV {
		t.Fatalf("runtime must not own a caller-supplied store")
	}
}

func TestRuntimeTriggerDeliversThroughCallback(t *testing.T) {
	now := time.Now().UTC()
	fx := source.NewFixture()
	fx.Add(
		Sample{Identity: "a", Stream: StreamHeartRate, Start: now.Add(-2 * time.Minute), End: now.Add(-2 * time.Minute), Value: Number(58)},
		Sample{Identity: "b", Stream: StreamHeartRate, Start: now.Add(-time.Minute), End: now.Add(-time.Minute), Value: Number(59)},
	)

	var (
		mu  sync.Mutex
		got []Sample
	)
	rt, err := NewRuntime(testConfig(t),
		WithSource(fx),
		WithRemoteSink(NewCallbackSink("cb", func(_ context.Context, samples []Sample, _ []DeletionRef) error {
			mu.Lock()
			got = append(got, samples...)
			mu.Unlock()
			return nil
		})),
		WithObservability(&stubObservability{}),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	rep, err := rt.Trigger(context.Background(), TriggerForeground)
	if err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if rep.Drain.Sent != 2 {
		t.Fatalf("expected 2 samples sent, got %+v", rep)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Unit != "count/min" {
		t.Fatalf("unexpected delivered samples: %+v", got)
	}

	st, err := rt.Status(context.Background())
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if st.QueueLength != 0 || !st.Registered || st.LastSent != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRuntimeRegisterAgainstIngestServer(t *testing.T) {
	store := sink.NewMemoryStore()
	svc := ingest.NewService(store, store, &stubObservability{})
	srv := httptest.NewServer(ingest.NewHandler(svc, &stubObservability{}, ingest.HandlerOptions{}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Device = DeviceConfig{}
	cfg.Remote = RemoteConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}

	rt, err := NewRuntime(cfg, WithSource(&stubSource{}), WithObservability(&stubObservability{}))
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	defer rt.Shutdown(context.Background())

	ctx := context.Background()
	if _, err := rt.Drain(ctx, 0); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered before registration, got %v", err)
	}

	creds, err := rt.Register(ctx, "u1", "Pixel")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if !creds.Complete() {
		t.Fatalf("incomplete credentials: %+v", creds)
	}

	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	res, err := rt.Publish(ctx, []Sample{{Identity: "m1", Stream: StreamHRV, Unit: "ms", Start: at, End: at, Value: Number(41)}}, nil)
	if err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("expected 1 sample sent, got %+v", res)
	}
	if n := len(store.Samples("u1")); n != 1 {
		t.Fatalf("expected 1 stored sample, got %d", n)
	}
}

func TestRuntimeRegisterUnsupported(t *testing.T) {
	rt, err := NewRuntime(testConfig(t), WithSource(&stubSource{}), WithRemoteSink(&stubSink{}), WithKV(memKV(t)),
		WithObservability(&stubObservability{}))
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if _, err := rt.Register(context.Background(), "u1", ""); !errors.Is(err, ErrRegistrationUnsupported) {
		t.Fatalf("expected ErrRegistrationUnsupported, got %v", err)
	}
}

func TestRuntimeStartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics = MetricsConfig{Addr: "127.0.0.1:0"}
	snk := &stubSink{}

	rt, err := NewRuntime(cfg, WithSource(&stubSource{}), WithRemoteSink(snk), WithObservability(&stubObservability{}))
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := rt.Start(); err == nil {
		t.Fatalf("expected second Start to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
}

func TestMetricsHandlerServesSuppliedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	uploads := prometheus.NewCounter(prometheus.CounterOpts{Name: "custom_uploads_total", Help: "Uploads seen by a custom backend."})
	reg.MustRegister(uploads)
	uploads.Add(3)

	rt, err := NewRuntime(testConfig(t),
		WithKV(memKV(t)),
		WithSource(&stubSource{}),
		WithRemoteSink(&stubSink{}),
		WithObservability(&stubObservability{}),
		WithMetricsRegistry(reg),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	rt.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "custom_uploads_total 3") {
		t.Fatalf("supplied registry not served:\n%s", body)
	}
}

func TestDefaultObservabilityUsesSuppliedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	rt, err := NewRuntime(testConfig(t),
		WithKV(memKV(t)),
		WithSource(&stubSource{}),
		WithRemoteSink(&stubSink{}),
		WithMetricsRegistry(reg),
	)
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if rt.registry != reg {
		t.Fatalf("expected runtime to keep the supplied registry")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather returned error: %v", err)
	}
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "healthsync_") {
			return
		}
	}
	t.Fatalf("no healthsync metrics registered in supplied registry")
}

func TestRuntimeShutdownTimeoutKeepsStoreOpen(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	rt, err := NewRuntime(testConfig(t), WithSource(src), WithRemoteSink(&stubSink{}), WithObservability(&stubObservability{}))
	if err != nil {
		t.Fatalf("NewRuntime returned error: %v", err)
	}
	if err := rt.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	select {
	case <-src.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("foreground sync never reached the source")
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rt.Shutdown(expired); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if rt.kv == nil {
		t.Fatalf("store closed while a loop was still running")
	}
	if err := rt.kv.Set(context.Background(), "still-open", []byte("1")); err != nil {
		t.Fatalf("store unusable after timed-out shutdown: %v", err)
	}

	close(src.release)
	ctx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	if err := rt.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown returned error: %v", err)
	}
	if rt.kv != nil {
		t.Fatalf("expected store to be closed once the loops returned")
	}
}

// blockingSource holds the first change query until release is closed,
// whatever its context says.
type blockingSource struct {
	stubSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) QueryChanges(context.Context, ChangeQuery) (ChangeSet, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return ChangeSet{}, nil
}

type stubSource struct{}

func (s *stubSource) QueryChanges(context.Context, ChangeQuery) (ChangeSet, error) {
	return ChangeSet{}, nil
}

func (s *stubSource) QueryRange(context.Context, StreamType, time.Time, time.Time) ([]Sample, error) {
	return nil, nil
}

func (s *stubSource) QueryDaily(context.Context, StreamType, time.Time, time.Time) (DailyTotal, error) {
	return DailyTotal{}, nil
}

type stubSink struct{}

func (s *stubSink) Deliver(context.Context, Credentials, *UploadBatch) (IngestResult, error) {
	return IngestResult{OK: true}, nil
}
func (s *stubSink) Name() string { return "stub" }

type stubObservability struct{}

func (s *stubObservability) LogInfo(string, ...Field)             {}
func (s *stubObservability) LogError(string, error, ...Field)     {}
func (s *stubObservability) LogCritical(string, error, ...Field)  {}
func (s *stubObservability) IncCounter(string, float64)           {}
func (s *stubObservability) ObserveLatency(string, float64)       {}
func (s *stubObservability) SetGauge(string, float64)             {}
func (s *stubObservability) RecordDeadLetter(*UploadBatch, error) {}
