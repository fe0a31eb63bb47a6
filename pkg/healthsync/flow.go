package healthsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Flow assembles a Runtime in three steps: what to read (StreamIN), how
// batches are retried (Delivery) and where they go (StreamOUT). Steps edit a
// private copy of the configuration, so one Config can seed several flows.
type Flow struct {
	cfg  Config
	opts []RuntimeOption
	errs []error
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption selects the source, the streams and the local store.
type StreamInOption func(*Flow)

// DeliveryOption tunes batching, retries and dead-lettering.
type DeliveryOption func(*Flow)

// StreamOutOption selects the destination of delivered batches.
type StreamOutOption func(*Flow)

// Conf loads agent YAML from disk and returns a Flow seeded with it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig seeds a Flow with a copy of cfg.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: *cfg}
	f.cfg.Streams = append([]StreamSpec(nil), cfg.Streams...)
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the flow's working configuration.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return &f.cfg
}

// StreamIN applies source-side choices.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Delivery applies batching and retry choices.
func (f *Flow) Delivery(opts ...DeliveryOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies sink-side choices and builds the Runtime. Every invalid
// choice made in earlier steps is reported here.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if err := errors.Join(f.errs...); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}
	return NewRuntime(&f.cfg, f.opts...)
}

// Run is a shortcut for StreamOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	rt, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions passes raw RuntimeOption values through to NewRuntime.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		for _, opt := range opts {
			if opt != nil {
				f.opts = append(f.opts, opt)
			}
		}
	}
}

// StreamInSource reads from src instead of the configured fixture.
func StreamInSource(src HealthSource) StreamInOption {
	return func(f *Flow) {
		if src != nil {
			f.opts = append(f.opts, WithSource(src))
		}
	}
}

// StreamInFixture reads from a YAML fixture file.
func StreamInFixture(path string) StreamInOption {
	return func(f *Flow) {
		f.cfg.Source.Fixture = path
	}
}

// StreamInStreams limits collection to the named streams. Streams missing
// from the configuration are added with their default mode and unit.
func StreamInStreams(streams ...StreamType) StreamInOption {
	return func(f *Flow) {
		if len(streams) == 0 {
			f.errs = append(f.errs, fmt.Errorf("StreamInStreams: no streams named"))
			return
		}
		configured := make(map[StreamType]StreamSpec, len(f.cfg.Streams))
		for _, s := range f.cfg.Streams {
			configured[s.Stream] = s
		}
		for _, s := range ports.DefaultStreams() {
			if _, ok := configured[s.Stream]; !ok {
				configured[s.Stream] = s
			}
		}

		selected := make([]StreamSpec, 0, len(streams))
		for _, st := range streams {
			spec, ok := configured[st]
			if !ok {
				f.errs = append(f.errs, fmt.Errorf("StreamInStreams: unknown stream %q", st))
				continue
			}
			selected = append(selected, spec)
		}
		f.cfg.Streams = selected
	}
}

// StreamInLookback sets how far back a stream without a cursor is read.
func StreamInLookback(d time.Duration) StreamInOption {
	return func(f *Flow) {
		if d <= 0 {
			f.errs = append(f.errs, fmt.Errorf("StreamInLookback: %s must be positive", d))
			return
		}
		f.cfg.Policy.InitialLookback = d
	}
}

// StreamInStore selects the local store holding the queue and the cursors.
func StreamInStore(driver, path string) StreamInOption {
	return func(f *Flow) {
		f.cfg.Store = StoreConfig{Driver: driver, Path: path}
	}
}

// StreamInKV uses an already opened store. The runtime does not close it.
func StreamInKV(store KV) StreamInOption {
	return func(f *Flow) {
		if store != nil {
			f.opts = append(f.opts, WithKV(store))
		}
	}
}

// DeliveryBatchSize caps the samples carried by one upload batch.
func DeliveryBatchSize(n int) DeliveryOption {
	return func(f *Flow) {
		if n <= 0 {
			f.errs = append(f.errs, fmt.Errorf("DeliveryBatchSize: %d must be positive", n))
			return
		}
		f.cfg.Policy.MaxSamplesPerBatch = n
	}
}

// DeliveryTimeout bounds a single upload attempt.
func DeliveryTimeout(d time.Duration) DeliveryOption {
	return func(f *Flow) {
		f.cfg.Policy.DeliveryTimeout = d
	}
}

// DeliveryBackoff sets the capped exponential wait between attempts on the
// same head batch. A negative min disables waiting.
func DeliveryBackoff(min, max time.Duration) DeliveryOption {
	return func(f *Flow) {
		if max > 0 && min > max {
			f.errs = append(f.errs, fmt.Errorf("DeliveryBackoff: min %s exceeds max %s", min, max))
			return
		}
		f.cfg.Policy.RetryBackoffMin, f.cfg.Policy.RetryBackoffMax = min, max
	}
}

// DeliveryMaxAttempts dead-letters a batch after n failed attempts. Zero
// retries forever.
func DeliveryMaxAttempts(n int) DeliveryOption {
	return func(f *Flow) {
		if n < 0 {
			f.errs = append(f.errs, fmt.Errorf("DeliveryMaxAttempts: %d must be >= 0", n))
			return
		}
		f.cfg.Policy.MaxAttempts = n
	}
}

// DeliveryThrottle sets the minimum spacing of connectivity and data
// triggers.
func DeliveryThrottle(d time.Duration) DeliveryOption {
	return func(f *Flow) {
		f.cfg.Policy.MinTriggerInterval = d
	}
}

// StreamOutRemote delivers to the ingest server at baseURL. Complete creds
// take precedence over a stored registration.
func StreamOutRemote(baseURL string, creds Credentials) StreamOutOption {
	return func(f *Flow) {
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			f.errs = append(f.errs, fmt.Errorf("StreamOutRemote: %q is not an absolute URL", baseURL))
			return
		}
		f.cfg.Remote.BaseURL = baseURL
		if creds.Complete() {
			f.cfg.Device.UserID, f.cfg.Device.DeviceID, f.cfg.Device.Token = creds.UserID, creds.DeviceID, creds.Token
		}
	}
}

// StreamOutCompression toggles zstd request bodies.
func StreamOutCompression(on bool) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Remote.Compress = on
	}
}

// StreamOutSink delivers through a custom RemoteSink.
func StreamOutSink(s RemoteSink) StreamOutOption {
	return func(f *Flow) {
		if s != nil {
			f.opts = append(f.opts, WithRemoteSink(s))
		}
	}
}

// StreamOutCallback delivers each batch to fn.
func StreamOutCallback(name string, fn SampleBatchSink) StreamOutOption {
	return func(f *Flow) {
		if fn == nil {
			f.errs = append(f.errs, fmt.Errorf("StreamOutCallback %q: nil handler", name))
			return
		}
		f.opts = append(f.opts, WithRemoteSink(NewCallbackSink(name, fn)))
	}
}

// StreamOutObservability replaces the Prometheus metrics and slog backend.
func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if obs != nil {
			f.opts = append(f.opts, WithObservability(obs))
		}
	}
}
