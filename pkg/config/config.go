package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolvers
	Direct DirectConfig `yaml:"direct"`
	Tunnel TunnelConfig `yaml:"tunnel"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// Static answers and filtering, both evaluated in declaration order
	Remap   RemapConfig  `yaml:"remap"`
	Filters []FilterRule `yaml:"filters"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Query log storage
	Storage StorageConfig `yaml:"storage"`

	// Admin API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Enabled       bool   `yaml:"enabled"`
	TCPEnabled    bool   `yaml:"tcp_enabled"`
	UDPEnabled    bool   `yaml:"udp_enabled"`
	UDPWorkers    int    `yaml:"udp_workers"`
	TCPWorkers    int    `yaml:"tcp_workers"`
}

// DirectConfig configures resolution without anonymization.
type DirectConfig struct {
	Servers []string     `yaml:"servers"`
	Timeout Milliseconds `yaml:"timeout"` // integer = milliseconds
	Net     string       `yaml:"net"`     // udp or tcp
}

// TunnelConfig configures resolution through a SOCKS5 proxy (e.g. Tor).
type TunnelConfig struct {
	Enabled      bool         `yaml:"enabled"`
	SocksAddress string       `yaml:"socks_address"`
	Username     string       `yaml:"username"`
	Password     string       `yaml:"password"`
	Servers      []string     `yaml:"servers"`
	Timeout      Milliseconds `yaml:"timeout"` // integer = milliseconds
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool    `yaml:"enabled"`
	TTL        Seconds `yaml:"ttl"`         // integer = seconds; 0 = entries never expire by time
	MaxEntries int     `yaml:"max_entries"` // 0 = unbounded
}

// RemapConfig holds the static answer rules.
type RemapConfig struct {
	TTL   Seconds  `yaml:"ttl"`   // integer = seconds
	Rules []string `yaml:"rules"` // "<pattern> <class> <type> <value>"
}

// FilterRule maps a glob pattern to a forwarding decision.
type FilterRule struct {
	Action  string `yaml:"action"` // proxy, skip-proxy, reject
	Pattern string `yaml:"pattern"`
}

// RateLimitAction is what happens to a query over the client's limit.
type RateLimitAction string

const (
	// RateLimitActionDrop silently drops the query
	RateLimitActionDrop RateLimitAction = "drop"
	// RateLimitActionRefuse answers REFUSED
	RateLimitActionRefuse RateLimitAction = "refuse"
)

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled           bool            `yaml:"enabled"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	Action            RateLimitAction `yaml:"action"`
	MaxTrackedClients int             `yaml:"max_tracked_clients"`
	CleanupInterval   Seconds         `yaml:"cleanup_interval"`
	LogViolations     bool            `yaml:"log_violations"`
	// IPs or CIDRs that are never limited
	ExemptClients []string `yaml:"exempt_clients"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool         `yaml:"enabled"`
	DatabasePath  string       `yaml:"database_path"`
	BufferSize    int          `yaml:"buffer_size"`
	BatchSize     int          `yaml:"batch_size"`
	FlushInterval Milliseconds `yaml:"flush_interval"`
	RetentionDays int          `yaml:"retention_days"`
}

// APIConfig holds admin API settings
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
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
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file.
// Defaults are applied before decoding so explicit zero values in the file
// (cache.ttl: 0, cache.max_entries: 0) are kept.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document on top of the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := LoadWithDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for every configuration field
func (c *Config) applyDefaults() {
	c.Server = ServerConfig{
		ListenAddress: "127.0.0.1:53",
		Enabled:       true,
		TCPEnabled:    true,
		UDPEnabled:    true,
		UDPWorkers:    32,
		TCPWorkers:    32,
	}

	c.Direct = DirectConfig{
		Servers: []string{"8.8.8.8", "8.8.4.4"},
		Timeout: Milliseconds(10 * time.Second),
		Net:     "udp",
	}

	c.Tunnel = TunnelConfig{
		Enabled:      true,
		SocksAddress: "127.0.0.1:9050",
		Servers:      []string{"8.8.8.8", "8.8.4.4"},
		Timeout:      Milliseconds(10 * time.Second),
	}

	c.Cache = CacheConfig{
		Enabled:    true,
		TTL:        Seconds(time.Hour),
		MaxEntries: 1000,
	}

	c.Remap = RemapConfig{
		TTL: Seconds(time.Hour),
	}

	c.RateLimit = RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		Action:            RateLimitActionDrop,
		MaxTrackedClients: 10000,
		CleanupInterval:   Seconds(10 * time.Minute),
	}

	c.Storage = StorageConfig{
		DatabasePath:  "./tordnsd.db",
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: Milliseconds(5 * time.Second),
		RetentionDays: 7,
	}

	c.API = APIConfig{
		ListenAddress: "127.0.0.1:8053",
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}

	c.Telemetry = TelemetryConfig{
		ServiceName:    "tordnsd",
		ServiceVersion: "dev",
		PrometheusPort: 9153,
	}
}

// normalize fills in values that YAML may have cleared and adds default ports.
func (c *Config) normalize() {
	// An explicitly empty list falls back to the defaults, like the original
	// tool did when no dns-direct / dns-proxy entries were given.
	if len(c.Direct.Servers) == 0 {
		c.Direct.Servers = []string{"8.8.8.8", "8.8.4.4"}
	}
	if len(c.Tunnel.Servers) == 0 {
		c.Tunnel.Servers = []string{"8.8.8.8", "8.8.4.4"}
	}
	c.Direct.Servers = normalizeUpstreams(c.Direct.Servers)
	c.Tunnel.Servers = normalizeUpstreams(c.Tunnel.Servers)

	if c.Direct.Net == "" {
		c.Direct.Net = "udp"
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.RateLimit.Action = RateLimitAction(strings.ToLower(string(c.RateLimit.Action)))
}

// normalizeUpstreams adds the default DNS port when it is missing
func normalizeUpstreams(servers []string) []string {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		out = append(out, s)
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}
	if c.Server.UDPWorkers < 1 || c.Server.TCPWorkers < 1 {
		return fmt.Errorf("server worker counts must be positive")
	}

	if c.Direct.Timeout <= 0 {
		return fmt.Errorf("direct.timeout must be positive")
	}
	if c.Direct.Net != "udp" && c.Direct.Net != "tcp" {
		return fmt.Errorf("invalid direct.net: %s (must be udp or tcp)", c.Direct.Net)
	}
	if c.Tunnel.Enabled {
		if c.Tunnel.SocksAddress == "" {
			return fmt.Errorf("tunnel.socks_address must be set when the tunnel is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Tunnel.SocksAddress); err != nil {
			return fmt.Errorf("invalid tunnel.socks_address %q: %w", c.Tunnel.SocksAddress, err)
		}
		if c.Tunnel.Timeout <= 0 {
			return fmt.Errorf("tunnel.timeout must be positive")
		}
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative")
	}
	if c.Remap.TTL < 0 {
		return fmt.Errorf("remap.ttl cannot be negative")
	}

	for i, f := range c.Filters {
		if f.Pattern == "" {
			return fmt.Errorf("filters[%d]: pattern cannot be empty", i)
		}
		switch strings.ToLower(f.Action) {
		case "proxy", "skip-proxy", "reject", "filter-proxy", "filter-skip-proxy", "filter-reject":
		default:
			return fmt.Errorf("filters[%d]: invalid action %q (must be proxy, skip-proxy, or reject)", i, f.Action)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
		}
		if c.RateLimit.Action != RateLimitActionDrop && c.RateLimit.Action != RateLimitActionRefuse {
			return fmt.Errorf("invalid rate_limit.action: %s (must be drop or refuse)", c.RateLimit.Action)
		}
	}

	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path must be set when storage is enabled")
	}

	// Validate logging level
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
