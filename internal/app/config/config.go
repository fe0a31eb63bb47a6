package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dalebradshaw/healthsync/internal/domain"
	"github.com/dalebradshaw/healthsync/internal/ports"
)

// Config is the device agent configuration.
type Config struct {
	Device  DeviceConfig       `yaml:"device"`
	Remote  RemoteConfig       `yaml:"remote"`
	Store   StoreConfig        `yaml:"store"`
	Policy  ports.Policy       `yaml:"policy"`
	Streams []ports.StreamSpec `yaml:"streams"`
	Source  SourceConfig       `yaml:"source"`
	Metrics MetricsConfig      `yaml:"metrics"`
}

// DeviceConfig carries the credentials issued at registration. When empty the
// agent falls back to credentials persisted by the register command.
type DeviceConfig struct {
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
	Token    string `yaml:"token"`
	Name     string `yaml:"name"`
}

func (d DeviceConfig) Credentials() domain.Credentials {
	return domain.Credentials{UserID: d.UserID, DeviceID: d.DeviceID, Token: d.Token}
}

type RemoteConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	Compress bool          `yaml:"compress"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // badger | sqlite | file
	Path   string `yaml:"path"`
}

type SourceConfig struct {
	Fixture string `yaml:"fixture"`
}

type MetricsConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Policy.ApplyDefaults()
	if c.Remote.Timeout == 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "badger"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./data/healthsync"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Device.Name == "" {
		c.Device.Name = "iPhone"
	}
	if len(c.Streams) == 0 {
		c.Streams = ports.DefaultStreams()
	}
	for i := range c.Streams {
		if c.Streams[i].Mode == "" {
			c.Streams[i].Mode = ports.ModeAnchored
		}
	}
}

func (c *Config) validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote.base_url %q is not an absolute URL", c.Remote.BaseURL)
	}
	switch c.Store.Driver {
	case "badger", "sqlite", "file":
	default:
		return fmt.Errorf("store.driver %q: want badger, sqlite or file", c.Store.Driver)
	}
	if c.Policy.MaxAttempts < 0 {
		return fmt.Errorf("policy.max_attempts must be >= 0")
	}
	if c.Policy.RetryBackoffMax > 0 && c.Policy.RetryBackoffMin > c.Policy.RetryBackoffMax {
		return fmt.Errorf("policy.retry_backoff_min exceeds retry_backoff_max")
	}
	if !c.Metrics.Disabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	return ValidateStreams(c.Streams)
}

// ValidateStreams rejects unknown stream types, modes and duplicates.
func ValidateStreams(streams []ports.StreamSpec) error {
	seen := make(map[domain.StreamType]struct{}, len(streams))
	var errs []error
	for i, s := range streams {
		if !s.Stream.Known() {
			errs = append(errs, fmt.Errorf("streams[%d]: unknown type %q", i, s.Stream))
			continue
		}
		if s.Mode != ports.ModeAnchored && s.Mode != ports.ModeDaily {
			errs = append(errs, fmt.Errorf("streams[%d] %s: mode %q: want anchored or daily", i, s.Stream, s.Mode))
		}
		if _, dup := seen[s.Stream]; dup {
			errs = append(errs, fmt.Errorf("streams[%d]: %s listed twice", i, s.Stream))
		}
		seen[s.Stream] = struct{}{}
	}
	return errors.Join(errs...)
}

// IngestConfig is the ingest server configuration.
type IngestConfig struct {
	Addr         string         `yaml:"addr"`
	Database     DatabaseConfig `yaml:"database"`
	CORS         CORSConfig     `yaml:"cors"`
	MaxBodyBytes int64          `yaml:"max_body_bytes"`
	MetricsPath  string         `yaml:"metrics_path"`
	TxTimeout    time.Duration  `yaml:"tx_timeout"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres | pgx | memory
	ConnString string `yaml:"conn_string"`
	Migrate    bool   `yaml:"migrate"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

func LoadIngest(path string) (*IngestConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg IngestConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *IngestConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 8 << 20
	}
	if c.MetricsPath == "" {
		c.MetricsPath = "/metrics"
	}
	if c.TxTimeout == 0 {
		c.TxTimeout = 20 * time.Second
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}

func (c *IngestConfig) validate() error {
	switch c.Database.Driver {
	case "postgres", "pgx":
		if c.Database.ConnString == "" {
			return fmt.Errorf("database.conn_string is required for driver %s", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q: want postgres, pgx or memory", c.Database.Driver)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	return nil
}
