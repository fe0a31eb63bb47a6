package healthsync

import (
	"github.com/dalebradshaw/healthsync/internal/app/config"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Config re-exports the agent configuration so embedders can build it in code.
type Config = config.Config

type (
	// Policy controls batching, retries, throttling and backfill chunking.
	Policy = ports.Policy
	// StreamSpec selects a stream and how it is collected.
	StreamSpec = ports.StreamSpec
	// DeviceConfig carries registered device credentials.
	DeviceConfig = config.DeviceConfig
	// RemoteConfig points at the ingest endpoint.
	RemoteConfig = config.RemoteConfig
	// StoreConfig selects the local durable KV.
	StoreConfig = config.StoreConfig
	// SourceConfig selects the health source.
	SourceConfig = config.SourceConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// IngestConfig configures the ingest server.
	IngestConfig = config.IngestConfig
)

// LoadConfig loads agent YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// LoadIngestConfig loads ingest server YAML from disk.
func LoadIngestConfig(path string) (*IngestConfig, error) {
	return config.LoadIngest(path)
}

// DefaultStreams is the stream set used when the config lists none.
func DefaultStreams() []StreamSpec {
	return ports.DefaultStreams()
}
