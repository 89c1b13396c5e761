package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iambrandonn/runjoin/internal/launch"
	"github.com/iambrandonn/runjoin/internal/lock"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that override file settings.
// RUNJOIN_LOCK_BACKEND sets lock.backend.
const EnvPrefix = "RUNJOIN_"

// Lock backends
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Config represents the runjoin configuration file
type Config struct {
	Version      string       `json:"version"`
	Collector    Collector    `json:"collector"`
	Coordination Coordination `json:"coordination"`
	Lock         Lock         `json:"lock"`
	Reporting    Reporting    `json:"reporting"`
	Metrics      Metrics      `json:"metrics"`
}

// Collector configures the file collector
type Collector struct {
	Dir string `json:"dir"`
}

// Coordination gates run sharing between processes
type Coordination struct {
	Enabled           bool    `json:"enabled"`
	PollIntervalMs    int     `json:"poll_interval_ms"`
	JoinTimeoutMs     int     `json:"join_timeout_ms"`
	AsyncJoinFactor   float64 `json:"async_join_factor"`
	JoinFailurePolicy string  `json:"join_failure_policy"`
}

// Lock configures the identity lock backend
type Lock struct {
	Backend         string `json:"backend"`
	Dir             string `json:"dir"`
	Name            string `json:"name"`
	RetryIntervalMs int    `json:"retry_interval_ms"`
	WaitTimeoutMs   int    `json:"wait_timeout_ms"`
	StaleAfterMs    int    `json:"stale_after_ms"`
	TTLMs           int    `json:"ttl_ms"`
	RedisAddr       string `json:"redis_addr,omitempty"`
	NATSURL         string `json:"nats_url,omitempty"`
	NATSBucket      string `json:"nats_bucket,omitempty"`
}

// Reporting configures how results are reported
type Reporting struct {
	Async              bool  `json:"async"`
	AttachmentMaxBytes int64 `json:"attachment_max_bytes"`
}

// Metrics configures metric export
type Metrics struct {
	Textfile string `json:"textfile,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Collector: Collector{
			Dir: ".runjoin",
		},
		Coordination: Coordination{
			Enabled:           true,
			PollIntervalMs:    1000,
			JoinTimeoutMs:     60000,
			AsyncJoinFactor:   3,
			JoinFailurePolicy: string(launch.JoinFailureSuppress),
		},
		Lock: Lock{
			Backend:         BackendFile,
			Dir:             ".runjoin/lock",
			Name:            "runjoin",
			RetryIntervalMs: 10,
			WaitTimeoutMs:   10000,
			StaleAfterMs:    30000,
			TTLMs:           3600000,
			NATSBucket:      "runjoin-lock",
		},
		Reporting: Reporting{
			Async:              false,
			AttachmentMaxBytes: 67108864,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Collector.Dir == "" {
		return fmt.Errorf("configuration error: missing required field 'collector.dir'\n\nHint: Point the collector at a directory shared by all workers:\n  \"collector\": {\n    \"dir\": \".runjoin\"\n  }")
	}

	if err := c.Coordination.Validate(); err != nil {
		return err
	}
	if err := c.Lock.Validate(); err != nil {
		return err
	}

	if c.Reporting.AttachmentMaxBytes <= 0 {
		return fmt.Errorf("configuration error: invalid 'reporting.attachment_max_bytes' value: %d\n\nHint: Use a positive byte limit, e.g.:\n  \"attachment_max_bytes\": 67108864", c.Reporting.AttachmentMaxBytes)
	}

	return nil
}

// Validate checks the coordination settings
func (c *Coordination) Validate() error {
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("configuration error: invalid 'coordination.poll_interval_ms' value: %d\n\nHint: Secondaries poll for the shared run at this interval; use a positive value like 1000", c.PollIntervalMs)
	}
	if c.JoinTimeoutMs < c.PollIntervalMs {
		return fmt.Errorf("configuration error: invalid 'coordination.join_timeout_ms' value: %d\n\nHint: The join timeout must be at least one poll interval (%d ms)", c.JoinTimeoutMs, c.PollIntervalMs)
	}
	if c.AsyncJoinFactor < 1 {
		return fmt.Errorf("configuration error: invalid 'coordination.async_join_factor' value: %g\n\nHint: Asynchronous reporting waits longer than synchronous reporting; use a factor of at least 1", c.AsyncJoinFactor)
	}
	if _, err := launch.ParseJoinFailurePolicy(c.JoinFailurePolicy); err != nil {
		return fmt.Errorf("configuration error: invalid 'coordination.join_failure_policy' value: %q\n\nHint: Use \"suppress\" or \"best_effort\"", c.JoinFailurePolicy)
	}
	return nil
}

// Validate checks the lock settings
func (l *Lock) Validate() error {
	switch l.Backend {
	case BackendFile:
		if l.Dir == "" {
			return fmt.Errorf("configuration error: missing required field 'lock.dir'\n\nHint: The file lock needs a directory shared by all workers:\n  \"lock\": {\n    \"backend\": \"file\",\n    \"dir\": \".runjoin/lock\"\n  }")
		}
	case BackendRedis:
		if l.RedisAddr == "" {
			return fmt.Errorf("configuration error: missing required field 'lock.redis_addr'\n\nHint: Set the Redis address:\n  \"lock\": {\n    \"backend\": \"redis\",\n    \"redis_addr\": \"localhost:6379\"\n  }")
		}
	case BackendNATS:
		if l.NATSURL == "" {
			return fmt.Errorf("configuration error: missing required field 'lock.nats_url'\n\nHint: Set the NATS server URL:\n  \"lock\": {\n    \"backend\": \"nats\",\n    \"nats_url\": \"nats://localhost:4222\"\n  }")
		}
	default:
		return fmt.Errorf("configuration error: unknown 'lock.backend' value: %q\n\nHint: Use one of \"file\", \"redis\" or \"nats\"", l.Backend)
	}

	if l.RetryIntervalMs <= 0 || l.WaitTimeoutMs <= 0 {
		return fmt.Errorf("configuration error: 'lock.retry_interval_ms' and 'lock.wait_timeout_ms' must be positive\n\nHint: The lock waits a bounded time before degrading to standalone reporting")
	}
	return nil
}

// LaunchOptions converts the coordination and reporting settings
func (c *Config) LaunchOptions() launch.Options {
	policy, _ := launch.ParseJoinFailurePolicy(c.Coordination.JoinFailurePolicy)
	return launch.Options{
		Coordination:       c.Coordination.Enabled,
		Async:              c.Reporting.Async,
		PollInterval:       millis(c.Coordination.PollIntervalMs),
		JoinTimeout:        millis(c.Coordination.JoinTimeoutMs),
		AsyncJoinFactor:    c.Coordination.AsyncJoinFactor,
		JoinFailurePolicy:  policy,
		AttachmentMaxBytes: c.Reporting.AttachmentMaxBytes,
	}
}

// FileLockOptions converts the lock settings for the file backend
func (c *Config) FileLockOptions() lock.FileOptions {
	return lock.FileOptions{
		Dir:           c.Lock.Dir,
		Name:          c.Lock.Name,
		RetryInterval: millis(c.Lock.RetryIntervalMs),
		WaitTimeout:   millis(c.Lock.WaitTimeoutMs),
		StaleAfter:    millis(c.Lock.StaleAfterMs),
		TTL:           millis(c.Lock.TTLMs),
	}
}

// TTL returns the lock state TTL
func (l *Lock) TTL() time.Duration {
	return millis(l.TTLMs)
}

// WaitTimeout returns the bound on waiting for the lock medium
func (l *Lock) WaitTimeout() time.Duration {
	return millis(l.WaitTimeoutMs)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Load builds the configuration from defaults, the file at path when it
// exists, and RUNJOIN_ environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		content = data
	}
	return load(path, content)
}

// LoadFromFile loads a configuration from a JSON or YAML file, applying
// environment overrides. The file must exist.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(path, data)
}

func load(path string, content []byte) (*Config, error) {
	k := koanf.New(".")

	// JSON is valid YAML, so one parser covers both formats
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := GenerateDefault()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps RUNJOIN_SECTION_FIELD_NAME to section.field_name
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
