package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/runjoin/internal/launch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDefault(t *testing.T) {
	cfg := GenerateDefault()

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, ".runjoin", cfg.Collector.Dir)

	// Coordination defaults
	assert.True(t, cfg.Coordination.Enabled)
	assert.Equal(t, 1000, cfg.Coordination.PollIntervalMs)
	assert.Equal(t, 60000, cfg.Coordination.JoinTimeoutMs)
	assert.Equal(t, 3.0, cfg.Coordination.AsyncJoinFactor)
	assert.Equal(t, "suppress", cfg.Coordination.JoinFailurePolicy)

	// Lock defaults
	assert.Equal(t, BackendFile, cfg.Lock.Backend)
	assert.Equal(t, ".runjoin/lock", cfg.Lock.Dir)
	assert.Equal(t, time.Hour, cfg.Lock.TTL())
	assert.Equal(t, 10*time.Second, cfg.Lock.WaitTimeout())

	assert.False(t, cfg.Reporting.Async)
	assert.Equal(t, int64(64<<20), cfg.Reporting.AttachmentMaxBytes)
	assert.Empty(t, cfg.Metrics.Textfile)
}

func TestGenerateDefaultMatchesGoldenFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	goldenBytes, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "Failed to read golden config file")

	generatedJSON, err := json.MarshalIndent(GenerateDefault(), "", "  ")
	require.NoError(t, err)

	assert.JSONEq(t, string(goldenBytes), string(generatedJSON),
		"Generated config should match golden file")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GenerateDefault()
	err := cfg.Validate()
	assert.NoError(t, err, "Default config should be valid")
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, wantErr: "version"},
		{name: "missing collector dir", mutate: func(c *Config) { c.Collector.Dir = "" }, wantErr: "collector.dir"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Coordination.PollIntervalMs = 0 }, wantErr: "poll_interval_ms"},
		{name: "join timeout below poll interval", mutate: func(c *Config) { c.Coordination.JoinTimeoutMs = 10 }, wantErr: "join_timeout_ms"},
		{name: "async factor below one", mutate: func(c *Config) { c.Coordination.AsyncJoinFactor = 0.5 }, wantErr: "async_join_factor"},
		{name: "unknown join policy", mutate: func(c *Config) { c.Coordination.JoinFailurePolicy = "retry" }, wantErr: "join_failure_policy"},
		{name: "unknown backend", mutate: func(c *Config) { c.Lock.Backend = "etcd" }, wantErr: "lock.backend"},
		{name: "file backend without dir", mutate: func(c *Config) { c.Lock.Dir = "" }, wantErr: "lock.dir"},
		{name: "redis backend without addr", mutate: func(c *Config) { c.Lock.Backend = BackendRedis }, wantErr: "redis_addr"},
		{name: "nats backend without url", mutate: func(c *Config) { c.Lock.Backend = BackendNATS }, wantErr: "nats_url"},
		{name: "zero lock wait", mutate: func(c *Config) { c.Lock.WaitTimeoutMs = 0 }, wantErr: "wait_timeout_ms"},
		{name: "zero attachment limit", mutate: func(c *Config) { c.Reporting.AttachmentMaxBytes = 0 }, wantErr: "attachment_max_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GenerateDefault()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Contains(t, err.Error(), "Hint:")
		})
	}
}

func TestLaunchOptions(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Reporting.Async = true
	cfg.Coordination.JoinFailurePolicy = "best_effort"

	opts := cfg.LaunchOptions()
	assert.True(t, opts.Coordination)
	assert.True(t, opts.Async)
	assert.Equal(t, time.Second, opts.PollInterval)
	assert.Equal(t, time.Minute, opts.JoinTimeout)
	assert.Equal(t, 3.0, opts.AsyncJoinFactor)
	assert.Equal(t, launch.JoinFailureBestEffort, opts.JoinFailurePolicy)

	lockOpts := cfg.FileLockOptions()
	assert.Equal(t, ".runjoin/lock", lockOpts.Dir)
	assert.Equal(t, 10*time.Millisecond, lockOpts.RetryInterval)
	assert.Equal(t, 30*time.Second, lockOpts.StaleAfter)
}

func TestLoadFromFile_ValidFile(t *testing.T) {
	goldenPath := filepath.Join("..", "..", "testdata", "golden_config.json")
	cfg, err := LoadFromFile(goldenPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, GenerateDefault(), cfg)
}

func TestLoadFromFile_YAMLPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runjoin.yaml")
	content := `
version: "1.0"
coordination:
  poll_interval_ms: 250
lock:
  backend: redis
  redis_addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Coordination.PollIntervalMs)
	assert.Equal(t, 60000, cfg.Coordination.JoinTimeoutMs, "unset fields keep defaults")
	assert.Equal(t, BackendRedis, cfg.Lock.Backend)
	assert.Equal(t, "localhost:6379", cfg.Lock.RedisAddr)
	assert.Equal(t, ".runjoin", cfg.Collector.Dir)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RUNJOIN_COORDINATION_ENABLED", "false")
	t.Setenv("RUNJOIN_COORDINATION_JOIN_TIMEOUT_MS", "5000")
	t.Setenv("RUNJOIN_LOCK_BACKEND", "nats")
	t.Setenv("RUNJOIN_LOCK_NATS_URL", "nats://127.0.0.1:4222")
	t.Setenv("RUNJOIN_REPORTING_ASYNC", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.False(t, cfg.Coordination.Enabled)
	assert.Equal(t, 5000, cfg.Coordination.JoinTimeoutMs)
	assert.Equal(t, BackendNATS, cfg.Lock.Backend)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Lock.NATSURL)
	assert.True(t, cfg.Reporting.Async)
}

func TestLoad_InvalidOverride(t *testing.T) {
	t.Setenv("RUNJOIN_LOCK_BACKEND", "zookeeper")

	cfg, err := Load("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "lock.backend")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "lock.nats_bucket", envKey("RUNJOIN_LOCK_NATS_BUCKET"))
	assert.Equal(t, "metrics.textfile", envKey("RUNJOIN_METRICS_TEXTFILE"))
	assert.Equal(t, "version", envKey("RUNJOIN_VERSION"))
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	invalidFile := filepath.Join(tmpDir, "invalid.json")
	err := os.WriteFile(invalidFile, []byte("{invalid json"), 0600)
	require.NoError(t, err)

	cfg, err := LoadFromFile(invalidFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestSaveToFile(t *testing.T) {
	cfg := GenerateDefault()
	cfg.Lock.Backend = BackendRedis
	cfg.Lock.RedisAddr = "redis:6379"
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "runjoin.json")

	err := cfg.SaveToFile(configPath)
	require.NoError(t, err)

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
