// Package config provides configuration loading and validation for Streamgate.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a Streamgate proxy and its clients.
type Config struct {
	Proxy         ProxyConfig         `yaml:"proxy"`
	Stream        StreamConfig        `yaml:"stream"`
	Client        ClientConfig        `yaml:"client"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ProxyConfig configures the proxy server process.
type ProxyConfig struct {
	// ListenAddr is the host:port the proxy accepts client connections on.
	ListenAddr string `yaml:"listenAddr" env:"STREAMGATE_LISTEN_ADDR"`

	// AdvertisedAddr is the host:port registered as this proxy's ownership
	// address. Defaults to ListenAddr when empty.
	AdvertisedAddr string `yaml:"advertisedAddr" env:"STREAMGATE_ADVERTISED_ADDR"`

	// Region is the logical region label of this proxy.
	Region string `yaml:"region" env:"STREAMGATE_REGION"`

	// DrainTimeoutMs bounds the release of acquired streams on shutdown.
	DrainTimeoutMs int64 `yaml:"drainTimeoutMs" env:"STREAMGATE_DRAIN_TIMEOUT_MS"`
}

// StreamConfig configures per-stream write behavior on the proxy.
type StreamConfig struct {
	// LockTimeoutSec bounds a single exclusive-lock acquisition attempt.
	LockTimeoutSec int64 `yaml:"lockTimeoutSec" env:"STREAMGATE_LOCK_TIMEOUT_SEC"`

	// OutputBufferSize is the write buffer size in bytes. 0 means unbuffered.
	OutputBufferSize int `yaml:"outputBufferSize" env:"STREAMGATE_OUTPUT_BUFFER_SIZE"`

	// PeriodicFlushFrequencyMs is the background flush interval for buffered
	// writers. 0 disables periodic flushing.
	PeriodicFlushFrequencyMs int64 `yaml:"periodicFlushFrequencyMs" env:"STREAMGATE_FLUSH_FREQUENCY_MS"`

	// CreateStreamIfNotExists enables lazy stream creation on first write.
	CreateStreamIfNotExists bool `yaml:"createStreamIfNotExists" env:"STREAMGATE_CREATE_STREAM_IF_NOT_EXISTS"`
}

// ClientConfig configures the write client.
type ClientConfig struct {
	// MaxRedirects bounds redirect retries per request.
	MaxRedirects int `yaml:"maxRedirects" env:"STREAMGATE_MAX_REDIRECTS"`

	// StreamNameRegex filters which streams this client will accept.
	StreamNameRegex string `yaml:"streamNameRegex" env:"STREAMGATE_STREAM_NAME_REGEX"`

	// HandshakeWithClientInfo enables the bulk ownership handshake at build time.
	HandshakeWithClientInfo bool `yaml:"handshakeWithClientInfo" env:"STREAMGATE_HANDSHAKE_WITH_CLIENT_INFO"`

	// ConnectTimeoutMs bounds dialing a proxy address.
	ConnectTimeoutMs int64 `yaml:"connectTimeoutMs" env:"STREAMGATE_CONNECT_TIMEOUT_MS"`

	// RequestTimeoutMs bounds a single client request end to end.
	RequestTimeoutMs int64 `yaml:"requestTimeoutMs" env:"STREAMGATE_REQUEST_TIMEOUT_MS"`

	// SeedAddresses are proxy addresses used for the handshake.
	SeedAddresses []string `yaml:"seedAddresses"`

	// Regions maps proxy addresses to region labels for region-aware routing.
	Regions map[string]string `yaml:"regions"`
}

// MetadataConfig configures the coordination service connection.
type MetadataConfig struct {
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"STREAMGATE_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"STREAMGATE_OXIA_NAMESPACE"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"STREAMGATE_OXIA_SESSION_TIMEOUT_MS"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"STREAMGATE_OXIA_REQUEST_TIMEOUT_MS"`
}

// ObservabilityConfig configures logging and metrics.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"STREAMGATE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"STREAMGATE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"STREAMGATE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddr:     ":7001",
			Region:         "default",
			DrainTimeoutMs: 10000,
		},
		Stream: StreamConfig{
			LockTimeoutSec:           10,
			OutputBufferSize:         0,
			PeriodicFlushFrequencyMs: 10,
			CreateStreamIfNotExists:  true,
		},
		Client: ClientConfig{
			MaxRedirects:            2,
			StreamNameRegex:         ".*",
			HandshakeWithClientInfo: true,
			ConnectTimeoutMs:        1000,
			RequestTimeoutMs:        60000,
		},
		Metadata: MetadataConfig{
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "streamgate",
			SessionTimeoutMs: 15000,
			RequestTimeoutMs: 30000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the default configuration with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML config file, then applies environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("config: proxy.listenAddr must not be empty")
	}
	if c.Proxy.Region == "" {
		return fmt.Errorf("config: proxy.region must not be empty")
	}
	if c.Stream.LockTimeoutSec <= 0 {
		return fmt.Errorf("config: stream.lockTimeoutSec must be positive, got %d", c.Stream.LockTimeoutSec)
	}
	if c.Stream.OutputBufferSize < 0 {
		return fmt.Errorf("config: stream.outputBufferSize must not be negative, got %d", c.Stream.OutputBufferSize)
	}
	if c.Client.MaxRedirects < 0 {
		return fmt.Errorf("config: client.maxRedirects must not be negative, got %d", c.Client.MaxRedirects)
	}
	if _, err := regexp.Compile(c.Client.StreamNameRegex); err != nil {
		return fmt.Errorf("config: client.streamNameRegex: %w", err)
	}
	if c.Metadata.OxiaEndpoint == "" {
		return fmt.Errorf("config: metadata.oxiaEndpoint must not be empty")
	}
	if c.Metadata.Namespace == "" {
		return fmt.Errorf("config: metadata.namespace must not be empty")
	}
	return nil
}

// LockTimeout returns the lock timeout as a duration.
func (c *StreamConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSec) * time.Second
}

// PeriodicFlushFrequency returns the flush interval as a duration.
func (c *StreamConfig) PeriodicFlushFrequency() time.Duration {
	return time.Duration(c.PeriodicFlushFrequencyMs) * time.Millisecond
}

// ConnectTimeout returns the dial timeout as a duration.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the request timeout as a duration.
func (c *ClientConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c *ProxyConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// SessionTimeout returns the coordination session timeout as a duration.
func (c *MetadataConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the coordination request timeout as a duration.
func (c *MetadataConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString(&cfg.Proxy.ListenAddr, "STREAMGATE_LISTEN_ADDR")
	setString(&cfg.Proxy.AdvertisedAddr, "STREAMGATE_ADVERTISED_ADDR")
	setString(&cfg.Proxy.Region, "STREAMGATE_REGION")
	setInt64(&cfg.Proxy.DrainTimeoutMs, "STREAMGATE_DRAIN_TIMEOUT_MS")

	setInt64(&cfg.Stream.LockTimeoutSec, "STREAMGATE_LOCK_TIMEOUT_SEC")
	setInt(&cfg.Stream.OutputBufferSize, "STREAMGATE_OUTPUT_BUFFER_SIZE")
	setInt64(&cfg.Stream.PeriodicFlushFrequencyMs, "STREAMGATE_FLUSH_FREQUENCY_MS")
	setBool(&cfg.Stream.CreateStreamIfNotExists, "STREAMGATE_CREATE_STREAM_IF_NOT_EXISTS")

	setInt(&cfg.Client.MaxRedirects, "STREAMGATE_MAX_REDIRECTS")
	setString(&cfg.Client.StreamNameRegex, "STREAMGATE_STREAM_NAME_REGEX")
	setBool(&cfg.Client.HandshakeWithClientInfo, "STREAMGATE_HANDSHAKE_WITH_CLIENT_INFO")
	setInt64(&cfg.Client.ConnectTimeoutMs, "STREAMGATE_CONNECT_TIMEOUT_MS")
	setInt64(&cfg.Client.RequestTimeoutMs, "STREAMGATE_REQUEST_TIMEOUT_MS")

	setString(&cfg.Metadata.OxiaEndpoint, "STREAMGATE_OXIA_ENDPOINT")
	setString(&cfg.Metadata.Namespace, "STREAMGATE_OXIA_NAMESPACE")
	setInt64(&cfg.Metadata.SessionTimeoutMs, "STREAMGATE_OXIA_SESSION_TIMEOUT_MS")
	setInt64(&cfg.Metadata.RequestTimeoutMs, "STREAMGATE_OXIA_REQUEST_TIMEOUT_MS")

	setString(&cfg.Observability.MetricsAddr, "STREAMGATE_METRICS_ADDR")
	setString(&cfg.Observability.LogLevel, "STREAMGATE_LOG_LEVEL")
	setString(&cfg.Observability.LogFormat, "STREAMGATE_LOG_FORMAT")
}
