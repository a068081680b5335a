package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/approvalflow/store"
)

func TestLoader_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, store.StoreTypeMemory, cfg.Store.Type)
	assert.Equal(t, 300.0, cfg.Broker.TimeoutSeconds)
	assert.True(t, cfg.Policy.RequireApprovalForHigh)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_YAMLFile(t *testing.T) {
	content := `
server:
  http_port: 9000
  read_timeout: 10s
store:
  type: redis
  redis:
    addr: redis.internal:6379
broker:
  timeout_seconds: 60
  callback_base_url: https://approvals.example.com/callback
  retry:
    max_retries: 5
policy:
  require_approval_for_medium: true
  audit_sample_rate: 0.2
log:
  level: debug
  format: console
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, store.StoreTypeRedis, cfg.Store.Type)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 60.0, cfg.Broker.TimeoutSeconds)
	assert.Equal(t, "https://approvals.example.com/callback", cfg.Broker.CallbackBaseURL)
	assert.Equal(t, 5, cfg.Broker.Retry.MaxRetries)
	assert.True(t, cfg.Policy.RequireApprovalForMedium)
	assert.InDelta(t, 0.2, cfg.Policy.AuditSampleRate, 1e-9)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	content := "server:\n  http_port: 9000\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("APPROVALFLOW_SERVER_HTTP_PORT", "9100")
	t.Setenv("APPROVALFLOW_LOG_LEVEL", "warn")
	t.Setenv("APPROVALFLOW_STORE_TYPE", "database")
	t.Setenv("APPROVALFLOW_DATABASE_DSN", "/var/lib/approvalflow.db")
	t.Setenv("APPROVALFLOW_APPROVAL_TIMEOUT_SECONDS", "120")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.HTTPPort, "环境变量必须覆盖文件值")
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, store.StoreTypeDatabase, cfg.Store.Type)
	assert.Equal(t, "/var/lib/approvalflow.db", cfg.Store.Database.DSN)
	assert.Equal(t, 120.0, cfg.Broker.TimeoutSeconds)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "7777")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.HTTPPort)
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	content := "policy:\n  audit_sample_rate: 1.5\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_ValidatorRuns(t *testing.T) {
	called := false
	_, err := NewLoader().WithValidator(func(c *Config) error {
		called = true
		return nil
	}).Load()
	require.NoError(t, err)
	assert.True(t, called)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}
