package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "palm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PALM_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Normalize.Height)
	assert.Equal(t, 1, cfg.Normalize.Channels)
	assert.Equal(t, float32(0.3), cfg.Pipeline.Threshold)
	assert.Equal(t, int64(1), cfg.Extractor.Concurrency)
	assert.Equal(t, BackendHTTP, cfg.Images.Backend)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
pipeline:
  threshold: 0.45
  fetch_timeout: 2s
images:
  backend: minio
  enrollment: palm-images
  query: query-images
  minio:
    endpoint: localhost:9000
`)
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("PALM_THRESHOLD", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.FetchTimeout)
	assert.Equal(t, float32(0.5), cfg.Pipeline.Threshold)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, BackendMinio, cfg.Images.Backend)
	assert.Equal(t, "localhost:9000", cfg.Images.Minio.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.StoreTimeout, "unset keys keep defaults")
}

func TestLoadUsesConfigEnvironmentVariable(t *testing.T) {
	t.Setenv("PALM_CONFIG", writeConfig(t, "normalize:\n  height: 64\n  width: 64\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Normalize.Width)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "pipline:\n  threshold: 0.2\n"))
	assert.Error(t, err)
}

func TestLoadRejectsBadEnvironment(t *testing.T) {
	t.Setenv("PALM_CONFIG", "")
	t.Setenv("PALM_THRESHOLD", "high")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"zero height":        func(c *Config) { c.Normalize.Height = 0 },
		"zero channels":      func(c *Config) { c.Normalize.Channels = 0 },
		"threshold too high": func(c *Config) { c.Pipeline.Threshold = 1.5 },
		"zero fetch timeout": func(c *Config) { c.Pipeline.FetchTimeout = 0 },
		"no concurrency":     func(c *Config) { c.Extractor.Concurrency = 0 },
		"unknown backend":    func(c *Config) { c.Images.Backend = "ftp" },
		"minio no endpoint":  func(c *Config) { c.Images.Backend = BackendMinio },
		"no query location":  func(c *Config) { c.Images.Query = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
