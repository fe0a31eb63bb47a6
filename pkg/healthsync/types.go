package healthsync

import (
	"github.com/dalebradshaw/healthsync/internal/app/pipeline"
	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Sample is one health observation. It mirrors internal/domain.Sample so
// custom sources and sinks can reference it.
type Sample = domain.Sample

// DeletionRef retracts a previously uploaded sample.
type DeletionRef = domain.DeletionRef

// StreamType names a metric stream.
type StreamType = domain.StreamType

// CursorToken is an opaque per-stream read position.
type CursorToken = domain.CursorToken

// Value is a numeric or textual reading.
type Value = domain.Value

// Credentials bind uploads to a registered device.
type Credentials = domain.Credentials

// UploadBatch is the unit persisted, delivered and retried as a whole.
type UploadBatch = domain.UploadBatch

// IngestResult reports what the backend applied for one batch.
type IngestResult = domain.IngestResult

// HealthSource reads the on-device health store.
type HealthSource = ports.HealthSource

// ChangeQuery, ChangeSet and DailyTotal are the HealthSource vocabulary.
type (
	ChangeQuery = ports.ChangeQuery
	ChangeSet   = ports.ChangeSet
	DailyTotal  = ports.DailyTotal
)

// RemoteSink delivers one batch as an all-or-nothing bulk upsert.
type RemoteSink = ports.RemoteSink

// UploadQueue is the durable FIFO of batches.
type UploadQueue = ports.UploadQueue

// AnchorStore keeps one cursor per stream.
type AnchorStore = ports.AnchorStore

// KV is the durable key-value store behind the queue, anchors and state.
type KV = ports.KV

// Observability emits metrics and structured logs.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// TriggerKind names what started a sync.
type TriggerKind = pipeline.TriggerKind

const (
	TriggerForeground   = pipeline.TriggerForeground
	TriggerPeriodic     = pipeline.TriggerPeriodic
	TriggerConnectivity = pipeline.TriggerConnectivity
	TriggerData         = pipeline.TriggerData
	TriggerManual       = pipeline.TriggerManual
)

type (
	SyncReport     = pipeline.SyncReport
	DrainResult    = pipeline.DrainResult
	BackfillReport = pipeline.BackfillReport
	BackfillWindow = pipeline.BackfillWindow
	Status         = pipeline.Status
)

// Stream types understood by the agent.
const (
	StreamHeartRate    = domain.StreamHeartRate
	StreamHRV          = domain.StreamHRV
	StreamSteps        = domain.StreamSteps
	StreamActiveEnergy = domain.StreamActiveEnergy
	StreamSleepREM     = domain.StreamSleepREM
	StreamSleepCore    = domain.StreamSleepCore
	StreamSleepDeep    = domain.StreamSleepDeep
	StreamSleepAwake   = domain.StreamSleepAwake
	StreamSleepInBed   = domain.StreamSleepInBed
)

var (
	// ErrDelivery marks retryable delivery failures.
	ErrDelivery = ports.ErrDelivery
	// ErrProtocol marks requests the backend refused.
	ErrProtocol = ports.ErrProtocol
	// ErrUnauthorized marks credential failures.
	ErrUnauthorized = ports.ErrUnauthorized
	// ErrNotRegistered is returned when no device credentials exist.
	ErrNotRegistered = pipeline.ErrNotRegistered
)

// Number and Text build sample values.
func Number(v float64) Value { return domain.Number(v) }

func Text(s string) Value { return domain.Text(s) }

// ParseTrigger maps a trigger name such as "foreground" to its TriggerKind.
func ParseTrigger(s string) (TriggerKind, error) { return pipeline.ParseTrigger(s) }
