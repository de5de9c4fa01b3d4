// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from config.yaml.
type Config struct {
	DataDir   string          `yaml:"data_dir"` // session store directory; ROUNDHOUSE_DATA_DIR overrides
	Backends  []BackendConfig `yaml:"backends"` // at least one backend kind
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
	Pool      PoolConfig      `yaml:"pool"`
	Stream    StreamConfig    `yaml:"stream"`
	Retry     RetryConfig     `yaml:"retry"`
	DB        DBConfig        `yaml:"db"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Sweep     SweepConfig     `yaml:"sweep"`
}

// BackendConfig describes one backend worker kind (e.g. an opencode-style
// agent server). Binary is launched once per conversation on BasePort+n.
type BackendConfig struct {
	Kind            string   `yaml:"kind"`
	Binary          string   `yaml:"binary"`
	Args            []string `yaml:"args"` // extra args appended after "serve"
	BasePort        int      `yaml:"base_port"`
	WorkDir         string   `yaml:"work_dir"`
	Sandboxed       bool     `yaml:"sandboxed"`
	ReasoningEffort bool     `yaml:"reasoning_effort"`
	ModelSelection  bool     `yaml:"model_selection"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds the Discord bot token.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// PoolConfig tunes worker lifecycle management.
type PoolConfig struct {
	HealthIntervalSec int `yaml:"health_interval_sec"` // default 30
}

// StreamConfig tunes event stream reconnection backoff.
type StreamConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"` // default 1000
	MaxDelayMs  int `yaml:"max_delay_ms"`  // default 30000
}

// RetryConfig tunes the retry executor defaults.
type RetryConfig struct {
	BaseDelayMs int `yaml:"base_delay_ms"` // default 500
	MaxDelayMs  int `yaml:"max_delay_ms"`  // default 10000
}

// DBConfig selects the activity-log database. Driver "sqlite" (default)
// uses Path; driver "mysql" uses Host/Port/Database.
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// DashboardConfig controls the read-only status server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // default ":8170"
}

// SweepConfig controls the cron-scheduled idle-session sweep.
type SweepConfig struct {
	Schedule   string `yaml:"schedule"`     // 5-field cron expression, default "0 3 * * *"
	IdleTTLHrs int    `yaml:"idle_ttl_hrs"` // default 168 (one week)
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values. The data dir env
// override is applied here so every consumer sees the same resolved path.
func (c *Config) applyDefaults() {
	if dir := os.Getenv("ROUNDHOUSE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if c.DataDir == "" {
		c.DataDir = ".roundhouse"
	}
	if c.Pool.HealthIntervalSec == 0 {
		c.Pool.HealthIntervalSec = 30
	}
	if c.Stream.BaseDelayMs == 0 {
		c.Stream.BaseDelayMs = 1000
	}
	if c.Stream.MaxDelayMs == 0 {
		c.Stream.MaxDelayMs = 30000
	}
	if c.Retry.BaseDelayMs == 0 {
		c.Retry.BaseDelayMs = 500
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 10000
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = c.DataDir + "/roundhouse.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.Database == "" {
			c.DB.Database = "roundhouse"
		}
	}
	if c.Dashboard.Addr == "" {
		c.Dashboard.Addr = ":8170"
	}
	if c.Sweep.Schedule == "" {
		c.Sweep.Schedule = "0 3 * * *"
	}
	if c.Sweep.IdleTTLHrs == 0 {
		c.Sweep.IdleTTLHrs = 168
	}
	for i := range c.Backends {
		if c.Backends[i].BasePort == 0 {
			c.Backends[i].BasePort = 4100 + i*100
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if len(c.Backends) == 0 {
		errs = append(errs, "at least one backend is required")
	}
	seen := make(map[string]bool)
	for i, b := range c.Backends {
		if b.Kind == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].kind is required", i))
		}
		if b.Binary == "" {
			errs = append(errs, fmt.Sprintf("backends[%d].binary is required", i))
		}
		if seen[b.Kind] {
			errs = append(errs, fmt.Sprintf("backends[%d].kind %q is duplicated", i, b.Kind))
		}
		seen[b.Kind] = true
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported (sqlite, mysql)", c.DB.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HealthInterval returns the pool health-check interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Pool.HealthIntervalSec) * time.Second
}

// StreamBackoff returns the stream base and max backoff delays.
func (c *Config) StreamBackoff() (base, max time.Duration) {
	return time.Duration(c.Stream.BaseDelayMs) * time.Millisecond,
		time.Duration(c.Stream.MaxDelayMs) * time.Millisecond
}

// RetryBackoff returns the retry executor base and max delays.
func (c *Config) RetryBackoff() (base, max time.Duration) {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
