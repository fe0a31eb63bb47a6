package ports

import "github.com/dalebradshaw/healthsync/internal/domain"

type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)

	SetGauge(name string, v float64)

	RecordDeadLetter(b *domain.UploadBatch, err error)
}

type Field struct {
	Key   string
	Value any
}

// Metric names shared by the agent and the ingest server.
const (
	MetricSamplesSent       = "healthsync_samples_sent_total"
	MetricDeletionsSent     = "healthsync_deletions_sent_total"
	MetricBatchesEnqueued   = "healthsync_batches_enqueued_total"
	MetricDeliveryFailures  = "healthsync_delivery_failures_total"
	MetricDeadLetters       = "healthsync_dead_letter_total"
	MetricSourceErrors      = "healthsync_source_errors_total"
	MetricTriggersThrottled = "healthsync_triggers_throttled_total"
	MetricIngestedSamples   = "healthsync_ingest_samples_total"
	MetricIngestRejected    = "healthsync_ingest_rejected_total"
	MetricQueueLength       = "healthsync_queue_length"
	MetricDeadLetterLength  = "healthsync_dead_letter_length"
	MetricDeliveryLatency   = "healthsync_delivery_latency_seconds"
	MetricIngestLatency     = "healthsync_ingest_latency_seconds"
)
