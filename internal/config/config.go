// Package config holds the proxy's configuration: a YAML file layered with
// the CLI's required positional port argument, exposed through a
// process-wide singleton the way the teacher's config package does.
package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	instance *Config
	once     sync.Once
)

// Config aggregates every component's configuration for centralized
// management.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// ServerConfig controls the forward-proxy listener. ConnDeadline is the
// opt-in per-connection read/write deadline the design notes allow; zero
// means no deadline, matching the spec's core contract.
type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	ConnDeadline time.Duration `yaml:"connDeadline" json:"connDeadline"`
}

// AdminConfig controls the side HTTP server that exposes Prometheus
// metrics and a health check; it never touches the proxy's own wire
// protocol.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// RateLimitConfig tunes the accept-time per-source-IP connection gate
// (golang.org/x/time/rate) and the admin-surface token bucket limiter.
type RateLimitConfig struct {
	Enabled            bool          `yaml:"enabled" json:"enabled"`
	ConnectionsPerIP   float64       `yaml:"connectionsPerIP" json:"connectionsPerIP"`
	ConnectionBurst    int           `yaml:"connectionBurst" json:"connectionBurst"`
	AdminCapacity      int           `yaml:"adminCapacity" json:"adminCapacity"`
	AdminRefillRate    int           `yaml:"adminRefillRate" json:"adminRefillRate"`
	StaleIPEntryExpiry time.Duration `yaml:"staleIPEntryExpiry" json:"staleIPEntryExpiry"`
}

// TracingConfig controls OpenTelemetry export, mirrored from the
// internal/tracing package's own config shape so the YAML file has one
// place to configure it.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"serviceName" json:"serviceName"`
	ServiceVersion string  `yaml:"serviceVersion" json:"serviceVersion"`
	Environment    string  `yaml:"environment" json:"environment"`
	JaegerEndpoint string  `yaml:"jaegerEndpoint" json:"jaegerEndpoint"`
	OTLPEndpoint   string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRatio  float64 `yaml:"samplingRatio" json:"samplingRatio"`
}

// DefaultConfig returns the baseline configuration used when no config file
// is present or when a field is absent from one.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Admin: AdminConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			ConnectionsPerIP:   50,
			ConnectionBurst:    20,
			AdminCapacity:      100,
			AdminRefillRate:    10,
			StaleIPEntryExpiry: 10 * time.Minute,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "forwardcache",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			SamplingRatio:  0.1,
		},
	}
}

// GetInstance returns the singleton config, defaulting it on first access
// if LoadConfig was never called.
func GetInstance() *Config {
	once.Do(func() {
		instance = DefaultConfig()
	})
	return instance
}

// LoadConfig loads configuration from a YAML file at path and installs it
// as the singleton. A missing file is not an error: the proxy's only
// required input is the CLI's positional port, so defaults stand in for
// everything else.
func LoadConfig(path string) error {
	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}

	once.Do(func() {
		instance = cfg
	})
	return nil
}

// loadFromFile reads and parses a YAML config file, merging it over
// DefaultConfig so a partial file only overrides what it names.
func loadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyPort overrides the configured listen port with the CLI's required
// positional argument, per the spec's "one positional argument: the TCP
// port to listen on" contract.
func (c *Config) ApplyPort(port int) {
	c.Server.Port = port
}
