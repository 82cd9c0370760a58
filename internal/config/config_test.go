package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setEndpoints(t *testing.T) {
	t.Setenv("DESPATCH_ENDPOINTS_CONVERSION_URL", "https://convert.example.com/despatch")
	t.Setenv("DESPATCH_ENDPOINTS_EMAIL_URL", "https://mail.example.com/send")
}

func TestLoad_DefaultsAndEnvironment(t *testing.T) {
	setEndpoints(t)
	t.Setenv("DESPATCH_SERVER_ADDR", ":9090")
	t.Setenv("DESPATCH_SESSION_IDLE_TIMEOUT", "45m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 45*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "https://convert.example.com/despatch", cfg.Endpoints.ConversionURL)
	assert.Equal(t, 30*time.Second, cfg.Endpoints.Timeout)
	assert.Equal(t, int64(10*1024*1024), cfg.Ingest.MaxBytes)
	assert.Equal(t, "memory", cfg.History.Backend)
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "despatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
endpoints:
  conversion_url: http://localhost:5001/convert
  email_url: http://localhost:5002/email
  timeout: 5s
history:
  backend: redis
  redis_addr: redis:6379
log:
  level: debug
  format: console
`), 0o644))
	t.Setenv("DESPATCH_HISTORY_REDIS_ADDR", "cache:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Endpoints.Timeout)
	assert.Equal(t, "redis", cfg.History.Backend)
	assert.Equal(t, "cache:6380", cfg.History.RedisAddr)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout, "unset keys keep their defaults")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "read config file")
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "parse config file")
	})

	t.Run("bad env value", func(t *testing.T) {
		setEndpoints(t)
		t.Setenv("DESPATCH_INGEST_MAX_BYTES", "lots")
		_, err := Load("")
		assert.ErrorContains(t, err, "read environment")
	})

	t.Run("endpoints required", func(t *testing.T) {
		_, err := Load("")
		assert.ErrorContains(t, err, "endpoints.conversion_url is required")
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Endpoints.ConversionURL = "https://convert.example.com"
		cfg.Endpoints.EmailURL = "https://mail.example.com"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"scheme", func(c *Config) { c.Endpoints.EmailURL = "ftp://mail.example.com" }, "endpoints.email_url must be an http or https URL"},
		{"host", func(c *Config) { c.Endpoints.ConversionURL = "http://" }, "endpoints.conversion_url has no host"},
		{"timeout", func(c *Config) { c.Endpoints.Timeout = 0 }, "endpoints.timeout must be positive"},
		{"max bytes", func(c *Config) { c.Ingest.MaxBytes = -1 }, "ingest.max_bytes must be positive"},
		{"backend", func(c *Config) { c.History.Backend = "postgres" }, `history.backend "postgres" is not supported`},
		{"redis addr", func(c *Config) { c.History.Backend = "redis"; c.History.RedisAddr = "" }, "history.redis_addr is required"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, `log.format "xml" is not supported`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
