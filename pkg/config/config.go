// Package config loads and validates the blackhole-dns configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Block response modes. empty-answer returns NOERROR with no records so the
// client treats the name as having no data; sinkhole-address answers A/AAAA
// queries with a fixed address.
const (
	BlockModeEmptyAnswer = "empty-answer"
	BlockModeSinkhole    = "sinkhole-address"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolvers, tried in order. A "tls://" prefix selects
	// DNS-over-TLS for that endpoint.
	UpstreamResolvers []string      `yaml:"upstream_resolvers"`
	UpstreamTimeout   time.Duration `yaml:"upstream_timeout"`

	// Rule sources (local paths or HTTP(S) URLs) and reload schedule
	BlocklistSources []string      `yaml:"blocklist_sources"`
	AllowlistSources []string      `yaml:"allowlist_sources"`
	ReloadInterval   time.Duration `yaml:"reload_interval"`

	// Block response synthesis
	BlockMode       string `yaml:"block_mode"`
	SinkholeAddress string `yaml:"sinkhole_address"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL/Prometheus)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Admin HTTP API
	API APIConfig `yaml:"api"`
}

// ServerConfig holds DNS listener settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
}

// CacheConfig holds answer cache settings
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	Shards      int           `yaml:"shards"`
	MinTTL      time.Duration `yaml:"min_ttl"`
	MaxTTL      time.Duration `yaml:"max_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// StorageConfig holds query log storage settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// APIConfig holds admin HTTP API settings
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}

	if len(c.UpstreamResolvers) == 0 {
		c.UpstreamResolvers = []string{
			"1.1.1.1:53",
			"8.8.8.8:53",
		}
	}
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 2 * time.Second
	}

	// The reload cadence matches the tracker-protection default of five
	// minutes between list refreshes.
	if c.ReloadInterval == 0 {
		c.ReloadInterval = 5 * time.Minute
	}

	if c.BlockMode == "" {
		c.BlockMode = BlockModeEmptyAnswer
	}
	if c.BlockMode == BlockModeSinkhole && c.SinkholeAddress == "" {
		c.SinkholeAddress = "0.0.0.0"
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = 64
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 60 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./blackhole.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 7
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "blackhole-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}

	if c.API.ListenAddress == "" {
		c.API.ListenAddress = ":8080"
	}
}

// Validate checks if the configuration is valid. Validation failures are
// startup-fatal; per-query problems are handled at runtime instead.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if len(c.UpstreamResolvers) == 0 {
		return fmt.Errorf("at least one upstream resolver must be configured")
	}
	for _, upstream := range c.UpstreamResolvers {
		host := strings.TrimPrefix(upstream, "tls://")
		if host == "" {
			return fmt.Errorf("empty upstream resolver entry")
		}
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream_timeout must be positive")
	}

	switch c.BlockMode {
	case BlockModeEmptyAnswer:
	case BlockModeSinkhole:
		if net.ParseIP(c.SinkholeAddress) == nil {
			return fmt.Errorf("invalid sinkhole_address: %q", c.SinkholeAddress)
		}
	default:
		return fmt.Errorf("invalid block_mode: %s (must be %s or %s)",
			c.BlockMode, BlockModeEmptyAnswer, BlockModeSinkhole)
	}

	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl cannot exceed cache.max_ttl")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}
