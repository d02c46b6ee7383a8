package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoehler42/tunnelpilot/internal/failover"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
api:
  listen: "127.0.0.1:9000"
session:
  health_check_delay: 5s
endpoints:
  - address: vpn1.example.com
    name: VPN 1
    country: DE
    load: 12
    running: true
  - address: vpn2.example.com
    tier: privileged
    running: true
`)

	cfg := Default()
	require.NoError(t, Load(path, &cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.API.Listen)
	assert.Equal(t, 5*time.Second, cfg.Session.HealthCheckDelay)
	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, "vpn1.example.com", cfg.Endpoints[0].Address)
	assert.Equal(t, 12, cfg.Endpoints[0].Load)
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("TP_TEST_TOKEN", "sekrit")
	path := writeConfig(t, `
api:
  listen: "127.0.0.1:9000"
  token: "${TP_TEST_TOKEN}"
`)

	var cfg Config
	require.NoError(t, Load(path, &cfg))
	assert.Equal(t, "sekrit", cfg.API.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	var cfg Config
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg))
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
api:
  listen: ""
`)

	var cfg Config
	err := LoadAndValidate(path, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.listen")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.API.Token = "roundtrip"
	require.NoError(t, Save(path, &cfg))

	var loaded Config
	require.NoError(t, Load(path, &loaded))
	assert.Equal(t, "roundtrip", loaded.API.Token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "empty listen",
			mutate:  func(c *Config) { c.API.Listen = "" },
			wantErr: "api.listen",
		},
		{
			name:    "bad management port",
			mutate:  func(c *Config) { c.Engine.ManagementPort = 70000 },
			wantErr: "management_port",
		},
		{
			name: "endpoint without address",
			mutate: func(c *Config) {
				c.Endpoints = []EndpointConfig{{Name: "broken"}}
			},
			wantErr: "address",
		},
		{
			name: "unknown tier",
			mutate: func(c *Config) {
				c.Endpoints = []EndpointConfig{{Address: "x.example.com", Tier: "gold"}}
			},
			wantErr: "unknown tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPool(t *testing.T) {
	cfg := Default()
	cfg.Endpoints = []EndpointConfig{
		{Address: "a.example.com", Load: 3, Running: true},
		{Address: "b.example.com", Tier: "privileged", Running: true},
	}

	pool := cfg.Pool()
	require.Len(t, pool, 2)
	assert.Equal(t, failover.TierFree, pool[0].Tier)
	assert.Equal(t, failover.TierPrivileged, pool[1].Tier)
}
