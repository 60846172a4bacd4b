package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	// Values from file
	if cfg.Server.ListenAddress != ":5353" {
		t.Errorf("Expected listen address :5353, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Server.UDPWorkers != 16 {
		t.Errorf("Expected 16 UDP workers, got %d", cfg.Server.UDPWorkers)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Logging.Format)
	}

	assert.Equal(t, []string{"9.9.9.9:53", "149.112.112.112:53"}, cfg.Direct.Servers)
	assert.Equal(t, 2*time.Second, cfg.Direct.Timeout.Duration())
	assert.Equal(t, "127.0.0.1:9150", cfg.Tunnel.SocksAddress)
	assert.Equal(t, []string{"1.1.1.1:53"}, cfg.Tunnel.Servers)
	assert.Equal(t, 60*time.Second, cfg.Remap.TTL.Duration())
	assert.Len(t, cfg.Remap.Rules, 2)
	require.Len(t, cfg.Filters, 2)
	assert.Equal(t, FilterRule{Action: "reject", Pattern: "*.onion"}, cfg.Filters[0])

	// Explicit zeros survive defaulting
	assert.Equal(t, time.Duration(0), cfg.Cache.TTL.Duration())
	assert.Equal(t, 0, cfg.Cache.MaxEntries)

	// Defaults for keys the file omits
	if !cfg.Server.Enabled {
		t.Error("Expected server enabled by default")
	}
	if !cfg.Tunnel.Enabled {
		t.Error("Expected tunnel enabled by default")
	}
	if !cfg.Cache.Enabled {
		t.Error("Expected cache enabled by default")
	}
	if cfg.Server.TCPWorkers != 32 {
		t.Errorf("Expected default 32 TCP workers, got %d", cfg.Server.TCPWorkers)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Server.ListenAddress != "127.0.0.1:53" {
		t.Errorf("Expected default listen address 127.0.0.1:53, got %s", cfg.Server.ListenAddress)
	}
	if len(cfg.Direct.Servers) != 2 {
		t.Errorf("Expected 2 default direct servers, got %d", len(cfg.Direct.Servers))
	}
	if cfg.Tunnel.SocksAddress != "127.0.0.1:9050" {
		t.Errorf("Expected default SOCKS address 127.0.0.1:9050, got %s", cfg.Tunnel.SocksAddress)
	}
	if cfg.Cache.TTL.Duration() != time.Hour {
		t.Errorf("Expected default cache TTL 1h, got %s", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("Expected default cache size 1000, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Remap.TTL.Duration() != time.Hour {
		t.Errorf("Expected default remap TTL 1h, got %s", cfg.Remap.TTL)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.yml")
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestParse_EmptyServerListFallsBack(t *testing.T) {
	cfg, err := Parse([]byte("direct:\n  servers: []\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.8.8:53", "8.8.4.4:53"}, cfg.Direct.Servers)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	assert.Error(t, err)
}

func TestNormalizeUpstreams(t *testing.T) {
	got := normalizeUpstreams([]string{"1.1.1.1", " 8.8.8.8:5353 ", "", "2001:4860:4860::8888", "[2606:4700::1111]"})
	assert.Equal(t, []string{
		"1.1.1.1:53",
		"8.8.8.8:5353",
		"[2001:4860:4860::8888]:53",
		"[2606:4700::1111]:53",
	}, got)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty listen address",
			mutate:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: true,
		},
		{
			name: "no transport",
			mutate: func(c *Config) {
				c.Server.UDPEnabled = false
				c.Server.TCPEnabled = false
			},
			wantErr: true,
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Server.UDPWorkers = 0 },
			wantErr: true,
		},
		{
			name:    "bad direct net",
			mutate:  func(c *Config) { c.Direct.Net = "quic" },
			wantErr: true,
		},
		{
			name:    "bad socks address",
			mutate:  func(c *Config) { c.Tunnel.SocksAddress = "localhost" },
			wantErr: true,
		},
		{
			name: "disabled tunnel ignores socks address",
			mutate: func(c *Config) {
				c.Tunnel.Enabled = false
				c.Tunnel.SocksAddress = ""
			},
			wantErr: false,
		},
		{
			name:    "negative cache ttl",
			mutate:  func(c *Config) { c.Cache.TTL = Seconds(-time.Second) },
			wantErr: true,
		},
		{
			name:    "negative max entries",
			mutate:  func(c *Config) { c.Cache.MaxEntries = -1 },
			wantErr: true,
		},
		{
			name: "unknown filter action",
			mutate: func(c *Config) {
				c.Filters = []FilterRule{{Action: "block", Pattern: "*"}}
			},
			wantErr: true,
		},
		{
			name: "legacy filter key",
			mutate: func(c *Config) {
				c.Filters = []FilterRule{{Action: "filter-skip-proxy", Pattern: "*.lan"}}
			},
			wantErr: false,
		},
		{
			name: "empty filter pattern",
			mutate: func(c *Config) {
				c.Filters = []FilterRule{{Action: "reject"}}
			},
			wantErr: true,
		},
		{
			name: "rate limit without rate",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.RequestsPerSecond = 0
			},
			wantErr: true,
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: true,
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
