package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultDecisionTTL, cfg.DataSource.DecisionTTL)
	assert.Equal(t, DefaultProbeTimeout, cfg.DataSource.ProbeTimeout)
	assert.Equal(t, DefaultCacheTTL, cfg.Cache.TTL)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "memory", cfg.Mirror.Type)
	assert.Equal(t, "file", cfg.Cache.Backend)
}

func TestLoad_MissingFileIsOptional(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  port: "9000"
datasource:
  decision_ttl: 1m
  mirror_endpoints:
    - https://mirror.example.com
cache:
  backend: memory
  ttl: 30s
primary_api:
  base_url: ${TEST_PRIMARY_URL}
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))
	t.Setenv("TEST_PRIMARY_URL", "https://api.example.com")
	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "env overrides yaml")
	assert.Equal(t, time.Minute, cfg.DataSource.DecisionTTL)
	assert.Equal(t, []string{"https://mirror.example.com"}, cfg.DataSource.MirrorEndpoints)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "https://api.example.com", cfg.PrimaryAPI.BaseURL)
}

func TestLoad_EnvDurations(t *testing.T) {
	t.Setenv("DATASOURCE_TTL", "120")
	t.Setenv("CACHE_TTL", "10m")
	t.Setenv("DATASOURCE_MIRROR_ENDPOINTS", "https://a.example.com, https://b.example.com,")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 120*time.Second, cfg.DataSource.DecisionTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.DataSource.MirrorEndpoints)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "storage type", env: map[string]string{"STORAGE_TYPE": "oracle"}},
		{name: "mirror mongodb without url", env: map[string]string{"MIRROR_TYPE": "mongodb"}},
		{name: "redis cache without url", env: map[string]string{"CACHE_BACKEND": "redis"}},
		{name: "forced source", env: map[string]string{"DATASOURCE_FORCE": "firebase"}},
		{name: "log format", env: map[string]string{"LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseDuration(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
