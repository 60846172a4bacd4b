package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcesLoad_LayersFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yml")
	local := filepath.Join(dir, "local.yml")
	writeConfig(t, base, `
server:
  listen_address: ":5353"
cache:
  ttl: 600
filters:
  - action: reject
    pattern: "*.onion"
`)
	writeConfig(t, local, `
cache:
  max_entries: 50
direct:
  servers: ["9.9.9.9"]
`)

	cfg, skipped := Sources{Files: []string{base, local}}.Load()
	require.Empty(t, skipped)

	assert.Equal(t, ":5353", cfg.Server.ListenAddress)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL.Duration())
	assert.Equal(t, 50, cfg.Cache.MaxEntries)
	assert.Equal(t, []string{"9.9.9.9:53"}, cfg.Direct.Servers)
	require.Len(t, cfg.Filters, 1)
	assert.True(t, cfg.Cache.Enabled)
}

func TestSourcesLoad_SkipsFailedSources(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.yml")
	broken := filepath.Join(dir, "broken.yml")
	invalid := filepath.Join(dir, "invalid.yml")
	valid := filepath.Join(dir, "valid.yml")
	writeConfig(t, broken, "server: [unterminated")
	writeConfig(t, invalid, "server:\n  listen_address: \":6000\"\nlogging:\n  level: \"loud\"\n")
	writeConfig(t, valid, "server:\n  listen_address: \":5353\"\n")

	cfg, skipped := Sources{Files: []string{missing, broken, invalid, valid}}.Load()

	require.Len(t, skipped, 3)
	assert.Equal(t, missing, skipped[0].Source)
	assert.True(t, errors.Is(skipped[0], fs.ErrNotExist))
	assert.Equal(t, broken, skipped[1].Source)
	assert.Equal(t, invalid, skipped[2].Source)

	// Nothing from the invalid file leaks into the result.
	assert.Equal(t, ":5353", cfg.Server.ListenAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestSourcesLoad_NoFilesGivesDefaults(t *testing.T) {
	cfg, skipped := Sources{}.Load()
	assert.Empty(t, skipped)
	assert.Equal(t, "127.0.0.1:53", cfg.Server.ListenAddress)
	assert.Equal(t, []string{"8.8.8.8:53", "8.8.4.4:53"}, cfg.Direct.Servers)
}

func TestSourcesLoad_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tordnsd.yml")
	writeConfig(t, path, "cache:\n  ttl: 1h\n")

	cfg, skipped := Sources{
		Files: []string{path},
		Overrides: []string{
			"cache.ttl=0",
			`direct.servers=[1.1.1.1, "9.9.9.9:5353"]`,
			"tunnel.enabled=false",
			"server.listen_address=127.0.0.1:5300",
			"logging.level=debug",
		},
	}.Load()
	require.Empty(t, skipped)

	assert.Equal(t, time.Duration(0), cfg.Cache.TTL.Duration())
	assert.Equal(t, []string{"1.1.1.1:53", "9.9.9.9:5353"}, cfg.Direct.Servers)
	assert.False(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "127.0.0.1:5300", cfg.Server.ListenAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestSourcesLoad_BadOverridesSkipped(t *testing.T) {
	tests := []struct {
		name     string
		override string
	}{
		{name: "no equals", override: "cache.ttl"},
		{name: "empty key", override: "=1"},
		{name: "empty segment", override: "cache..ttl=1"},
		{name: "unknown key", override: "cache.tll=1"},
		{name: "unknown section", override: "caches.ttl=1"},
		{name: "wrong type", override: "cache.max_entries=lots"},
		{name: "fails validation", override: "cache.max_entries=-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, skipped := Sources{Overrides: []string{tt.override}}.Load()
			require.Len(t, skipped, 1)
			assert.Equal(t, "--set "+tt.override, skipped[0].Source)
			assert.Equal(t, 1000, cfg.Cache.MaxEntries)
		})
	}
}

func TestSourceError(t *testing.T) {
	inner := errors.New("boom")
	err := &SourceError{Source: "a.yml", Err: inner}
	assert.Equal(t, "a.yml: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}
