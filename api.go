package healthsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/dalebradshaw/healthsync/pkg/healthsync"
)

// Re-exported errors for convenience.
var (
	ErrDelivery                = base.ErrDelivery
	ErrProtocol                = base.ErrProtocol
	ErrUnauthorized            = base.ErrUnauthorized
	ErrNotRegistered           = base.ErrNotRegistered
	ErrRegistrationUnsupported = base.ErrRegistrationUnsupported
	ErrChannelSinkClosed       = base.ErrChannelSinkClosed
	ErrPublisherClosed         = base.ErrPublisherClosed
)

// Type aliases so consumers can import github.com/dalebradshaw/healthsync directly.
type (
	Config          = base.Config
	Policy          = base.Policy
	StreamSpec      = base.StreamSpec
	DeviceConfig    = base.DeviceConfig
	RemoteConfig    = base.RemoteConfig
	StoreConfig     = base.StoreConfig
	SourceConfig    = base.SourceConfig
	MetricsConfig   = base.MetricsConfig
	IngestConfig    = base.IngestConfig
	Flow            = base.Flow
	FlowOption      = base.FlowOption
	StreamInOption  = base.StreamInOption
	DeliveryOption  = base.DeliveryOption
	StreamOutOption = base.StreamOutOption
	Runtime         = base.Runtime
	RuntimeOption   = base.RuntimeOption
	Sample          = base.Sample
	DeletionRef     = base.DeletionRef
	StreamType      = base.StreamType
	CursorToken     = base.CursorToken
	Value           = base.Value
	Credentials     = base.Credentials
	UploadBatch     = base.UploadBatch
	IngestResult    = base.IngestResult
	HealthSource    = base.HealthSource
	ChangeQuery     = base.ChangeQuery
	ChangeSet       = base.ChangeSet
	DailyTotal      = base.DailyTotal
	RemoteSink      = base.RemoteSink
	UploadQueue     = base.UploadQueue
	AnchorStore     = base.AnchorStore
	KV              = base.KV
	Observability   = base.Observability
	Field           = base.Field
	TriggerKind     = base.TriggerKind
	SyncReport      = base.SyncReport
	DrainResult     = base.DrainResult
	BackfillReport  = base.BackfillReport
	BackfillWindow  = base.BackfillWindow
	Status          = base.Status
	SampleBatchSink = base.SampleBatchSink
	Delivery        = base.Delivery
	Publisher       = base.Publisher
	PublisherConfig = base.PublisherConfig
)

const (
	TriggerForeground   = base.TriggerForeground
	TriggerPeriodic     = base.TriggerPeriodic
	TriggerConnectivity = base.TriggerConnectivity
	TriggerData         = base.TriggerData
	TriggerManual       = base.TriggerManual
)

// Stream types understood by the agent.
const (
	StreamHeartRate    = base.StreamHeartRate
	StreamHRV          = base.StreamHRV
	StreamSteps        = base.StreamSteps
	StreamActiveEnergy = base.StreamActiveEnergy
	StreamSleepREM     = base.StreamSleepREM
	StreamSleepCore    = base.StreamSleepCore
	StreamSleepDeep    = base.StreamSleepDeep
	StreamSleepAwake   = base.StreamSleepAwake
	StreamSleepInBed   = base.StreamSleepInBed
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func LoadIngestConfig(path string) (*IngestConfig, error) {
	return base.LoadIngestConfig(path)
}

func DefaultStreams() []StreamSpec {
	return base.DefaultStreams()
}

// Sample value helpers.
func Number(v float64) Value { return base.Number(v) }

func Text(s string) Value { return base.Text(s) }

func ParseTrigger(s string) (TriggerKind, error) {
	return base.ParseTrigger(s)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInSource(src HealthSource) StreamInOption {
	return base.StreamInSource(src)
}

func StreamInKV(store KV) StreamInOption {
	return base.StreamInKV(store)
}

func StreamInFixture(path string) StreamInOption {
	return base.StreamInFixture(path)
}

func StreamInStreams(streams ...StreamType) StreamInOption {
	return base.StreamInStreams(streams...)
}

func StreamInLookback(d time.Duration) StreamInOption {
	return base.StreamInLookback(d)
}

func StreamInStore(driver, path string) StreamInOption {
	return base.StreamInStore(driver, path)
}

func DeliveryBatchSize(n int) DeliveryOption {
	return base.DeliveryBatchSize(n)
}

func DeliveryTimeout(d time.Duration) DeliveryOption {
	return base.DeliveryTimeout(d)
}

func DeliveryBackoff(min, max time.Duration) DeliveryOption {
	return base.DeliveryBackoff(min, max)
}

func DeliveryMaxAttempts(n int) DeliveryOption {
	return base.DeliveryMaxAttempts(n)
}

func DeliveryThrottle(d time.Duration) DeliveryOption {
	return base.DeliveryThrottle(d)
}

func StreamOutRemote(baseURL string, creds Credentials) StreamOutOption {
	return base.StreamOutRemote(baseURL, creds)
}

func StreamOutCompression(on bool) StreamOutOption {
	return base.StreamOutCompression(on)
}

func StreamOutSink(s RemoteSink) StreamOutOption {
	return base.StreamOutSink(s)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

func StreamOutCallback(name string, fn SampleBatchSink) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithSource(src HealthSource) RuntimeOption {
	return base.WithSource(src)
}

func WithRemoteSink(s RemoteSink) RuntimeOption {
	return base.WithRemoteSink(s)
}

func WithKV(store KV) RuntimeOption {
	return base.WithKV(store)
}

func WithUploadQueue(q UploadQueue) RuntimeOption {
	return base.WithUploadQueue(q)
}

func WithAnchorStore(a AnchorStore) RuntimeOption {
	return base.WithAnchorStore(a)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithMetricsRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithMetricsRegistry(reg)
}

// Sink adapters.
func NewCallbackSink(name string, fn SampleBatchSink) RemoteSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (RemoteSink, <-chan Delivery, func()) {
	return base.NewChannelSink(name, buffer)
}

// Queue-backed publisher.
func NewPublisher(cfg *PublisherConfig, sink SampleBatchSink) (*Publisher, error) {
	return base.NewPublisher(cfg, sink)
}
