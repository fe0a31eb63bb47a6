package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

type Option func(*promConfig)

type promConfig struct {
	reg    prometheus.Registerer
	logger *slog.Logger
}

// WithRegisterer registers the collectors on reg instead of the default
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *promConfig) {
		if reg != nil {
			c.reg = reg
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *promConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewPromObs(opts ...Option) *PromObs {
	cfg := promConfig{reg: prometheus.DefaultRegisterer, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	latency := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		})
	}

	p := &PromObs{
		log: cfg.logger,
		counters: map[string]prometheus.Counter{
			ports.MetricSamplesSent:       counter(ports.MetricSamplesSent, "Samples accepted by the remote sink."),
			ports.MetricDeletionsSent:     counter(ports.MetricDeletionsSent, "Deletions accepted by the remote sink."),
			ports.MetricBatchesEnqueued:   counter(ports.MetricBatchesEnqueued, "Upload batches persisted to the queue."),
			ports.MetricDeliveryFailures:  counter(ports.MetricDeliveryFailures, "Failed head batch deliveries."),
			ports.MetricDeadLetters:       counter(ports.MetricDeadLetters, "Batches moved to the dead-letter list."),
			ports.MetricSourceErrors:      counter(ports.MetricSourceErrors, "Per-stream health source query failures."),
			ports.MetricTriggersThrottled: counter(ports.MetricTriggersThrottled, "Reactive sync triggers skipped by the rate limiter."),
			ports.MetricIngestedSamples:   counter(ports.MetricIngestedSamples, "Samples applied by the ingest server."),
			ports.MetricIngestRejected:    counter(ports.MetricIngestRejected, "Ingest requests rejected before apply."),
		},
		gauges: map[string]prometheus.Gauge{
			ports.MetricQueueLength:      gauge(ports.MetricQueueLength, "Batches waiting in the upload queue."),
			ports.MetricDeadLetterLength: gauge(ports.MetricDeadLetterLength, "Batches parked in the dead-letter list."),
		},
		histos: map[string]prometheus.Observer{},
	}

	collectors := make([]prometheus.Collector, 0, 16)
	for _, c := range p.counters {
		collectors = append(collectors, c)
	}
	for _, g := range p.gauges {
		collectors = append(collectors, g)
	}
	for name, help := range map[string]string{
		ports.MetricDeliveryLatency: "Remote sink call latency per batch.",
		ports.MetricIngestLatency:   "Ingest transaction latency per request.",
	} {
		h := latency(name, help)
		p.histos[name] = h
		collectors = append(collectors, h)
	}
	cfg.reg.MustRegister(collectors...)
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) RecordDeadLetter(b *domain.UploadBatch, err error) {
	p.IncCounter(ports.MetricDeadLetters, 1)
	if b == nil {
		return
	}
	p.log.Warn("batch_dead_lettered",
		slog.String("batch", b.ID),
		slog.Int("samples", len(b.Samples)),
		slog.Int("attempts", b.Attempts),
		slog.Any("error", err))
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)+2)
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field) {}
func (Nop) LogError(string, error, ...ports.Field) {}
func (Nop) LogCritical(string, error, ...ports.Field) {}
func (Nop) IncCounter(string, float64) {}
func (Nop) ObserveLatency(string, float64) {}
func (Nop) SetGauge(string, float64) {}
func (Nop) RecordDeadLetter(*domain.UploadBatch, error) {}

var (
	_ ports.Observability = (*PromObs)(nil)
	_ ports.Observability = Nop{}
)
