package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Client.MaxRedirects)
	assert.Equal(t, ".*", cfg.Client.StreamNameRegex)
	assert.Equal(t, int64(10), cfg.Stream.LockTimeoutSec)
	assert.Equal(t, 0, cfg.Stream.OutputBufferSize)
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streamgate.yaml")
	data := []byte(`
proxy:
  listenAddr: ":7101"
  region: "us-west"
stream:
  lockTimeoutSec: 5
  createStreamIfNotExists: false
client:
  maxRedirects: 4
  streamNameRegex: "^app-.*$"
  regions:
    "inet!127.0.0.1:7101": "us-west"
    "inet!127.0.0.1:7201": "us-east"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, ":7101", cfg.Proxy.ListenAddr)
	assert.Equal(t, "us-west", cfg.Proxy.Region)
	assert.Equal(t, int64(5), cfg.Stream.LockTimeoutSec)
	assert.False(t, cfg.Stream.CreateStreamIfNotExists)
	assert.Equal(t, 4, cfg.Client.MaxRedirects)
	assert.Equal(t, "^app-.*$", cfg.Client.StreamNameRegex)
	assert.Equal(t, "us-east", cfg.Client.Regions["inet!127.0.0.1:7201"])

	// Defaults survive partial files.
	assert.Equal(t, "localhost:6648", cfg.Metadata.OxiaEndpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAMGATE_MAX_REDIRECTS", "7")
	t.Setenv("STREAMGATE_REGION", "eu-central")
	t.Setenv("STREAMGATE_CREATE_STREAM_IF_NOT_EXISTS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Client.MaxRedirects)
	assert.Equal(t, "eu-central", cfg.Proxy.Region)
	assert.False(t, cfg.Stream.CreateStreamIfNotExists)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Proxy.ListenAddr = "" }},
		{"empty region", func(c *Config) { c.Proxy.Region = "" }},
		{"zero lock timeout", func(c *Config) { c.Stream.LockTimeoutSec = 0 }},
		{"negative buffer", func(c *Config) { c.Stream.OutputBufferSize = -1 }},
		{"negative redirects", func(c *Config) { c.Client.MaxRedirects = -1 }},
		{"bad regex", func(c *Config) { c.Client.StreamNameRegex = "[" }},
		{"empty oxia endpoint", func(c *Config) { c.Metadata.OxiaEndpoint = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
