package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tordnsd/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tordnsd.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	path := writeConfig(t, `
filters:
  - action: filter-skip-proxy
    pattern: "*.lan"
remap:
  rules:
    - "router.lan * A 192.168.1.1"
`)

	out, err := execute(t, "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK: 1 filter rules, 1 remap rules, tunnel enabled=true")
}

func TestCheckConfig_Invalid(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: loud\n")

	_, err := execute(t, "check-config", "-c", path)
	assert.Error(t, err)
}

func TestCheckConfig_Missing(t *testing.T) {
	_, err := execute(t, "check-config", "-c", filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestCheckConfig_SkipsMissingSource(t *testing.T) {
	valid := writeConfig(t, "filters:\n  - action: reject\n    pattern: \"*.onion\"\n")
	missing := filepath.Join(t.TempDir(), "missing.yml")

	out, err := execute(t, "check-config", "-c", missing, "-c", valid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 configuration source(s) skipped")
	assert.Contains(t, out, "skipped "+missing)
	assert.Contains(t, out, "configuration OK: 1 filter rules")
}

func TestLoadConfig_LayersSourcesAndOverrides(t *testing.T) {
	first := writeConfig(t, "cache:\n  ttl: 60\n  max_entries: 10\n")
	second := writeConfig(t, "cache:\n  max_entries: 20\n")

	f := &rootFlags{
		configPaths: []string{first, filepath.Join(t.TempDir(), "missing.yml"), second},
		overrides:   []string{"tunnel.enabled=false"},
		verbose:     true,
	}
	cfg, skipped, err := loadConfig(f)
	require.NoError(t, err)
	require.Len(t, skipped, 1)

	assert.Equal(t, 60*time.Second, cfg.Cache.TTL.Duration())
	assert.Equal(t, 20, cfg.Cache.MaxEntries)
	assert.False(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestCheckConfig_SetOverride(t *testing.T) {
	path := writeConfig(t, "{}\n")

	out, err := execute(t, "check-config", "-c", path, "--set", "tunnel.enabled=false")
	require.NoError(t, err)
	assert.Contains(t, out, "tunnel enabled=false")
}

func TestBootstrapLevel(t *testing.T) {
	assert.Equal(t, "info", bootstrapLevel(&rootFlags{}))
	assert.Equal(t, "debug", bootstrapLevel(&rootFlags{verbose: true}))
	assert.Equal(t, "error", bootstrapLevel(&rootFlags{quiet: true}))
}

func TestVerboseQuietMutuallyExclusive(t *testing.T) {
	path := writeConfig(t, "{}\n")

	_, err := execute(t, "check-config", "-c", path, "--verbose", "--quiet")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "tordnsd dev")
}

func TestApplyVerbosity(t *testing.T) {
	tests := []struct {
		flags   rootFlags
		name    string
		want    string
		wantErr bool
	}{
		{name: "none keeps file level", flags: rootFlags{}, want: "warn"},
		{name: "verbose", flags: rootFlags{verbose: true}, want: "debug"},
		{name: "quiet", flags: rootFlags{quiet: true}, want: "error"},
		{name: "both", flags: rootFlags{verbose: true, quiet: true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.LoadWithDefaults()
			cfg.Logging.Level = "warn"

			err := applyVerbosity(cfg, &tt.flags)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Logging.Level)
		})
	}
}
