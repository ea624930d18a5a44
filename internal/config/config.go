// ABOUTME: Configuration loading and parsing for coven-chatcache
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-chatcache configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Reducer    ReducerConfig    `yaml:"reducer" toml:"reducer"`
	Completion CompletionConfig `yaml:"completion" toml:"completion"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects the durable store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, sqlite3 or bolt
	Path   string `yaml:"path" toml:"path"`
}

// CacheConfig selects and tunes the memory store backend
type CacheConfig struct {
	Backend string      `yaml:"backend" toml:"backend"` // local or redis
	Redis   RedisConfig `yaml:"redis" toml:"redis"`

	PruneInterval       time.Duration `yaml:"-" toml:"-"`
	InactivityThreshold time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PruneIntervalRaw       string `yaml:"prune_interval" toml:"prune_interval"`
	InactivityThresholdRaw string `yaml:"inactivity_threshold" toml:"inactivity_threshold"`
}

// RedisConfig holds the shared-remote backend connection
type RedisConfig struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Username  string `yaml:"username" toml:"username"`
	Password  string `yaml:"password" toml:"password"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// ReducerConfig holds the default history budget
type ReducerConfig struct {
	TargetCount      int   `yaml:"target_count" toml:"target_count"`
	ThresholdCount   int   `yaml:"threshold_count" toml:"threshold_count"`
	SummaryMaxTokens int64 `yaml:"summary_max_tokens" toml:"summary_max_tokens"`
}

// CompletionConfig selects the language model provider
type CompletionConfig struct {
	Provider    string   `yaml:"provider" toml:"provider"` // anthropic, openai or none
	Model       string   `yaml:"model" toml:"model"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	MaxTokens   int64    `yaml:"max_tokens" toml:"max_tokens"`
	Temperature *float64 `yaml:"temperature" toml:"temperature"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Database drivers, cache backends and completion providers.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
	DriverBolt    = "bolt"

	BackendLocal = "local"
	BackendRedis = "redis"

	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DefaultPath returns the config file location:
// COVEN_CHATCACHE_CONFIG, then $XDG_CONFIG_HOME/coven/chatcache.yaml,
// then ~/.config/coven/chatcache.yaml.
func DefaultPath() string {
	if p := os.Getenv("COVEN_CHATCACHE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "chatcache.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatcache.yaml"
	}
	return filepath.Join(home, ".config", "coven", "chatcache.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendLocal
	}
	if c.Cache.PruneInterval == 0 {
		c.Cache.PruneInterval = 10 * time.Minute
	}
	if c.Cache.InactivityThreshold == 0 {
		c.Cache.InactivityThreshold = 30 * time.Minute
	}
	if c.Cache.Redis.KeyPrefix == "" {
		c.Cache.Redis.KeyPrefix = "ChatHistory"
	}
	if c.Cache.Redis.TTL == 0 {
		c.Cache.Redis.TTL = 30 * time.Minute
	}
	if c.Reducer.TargetCount == 0 {
		c.Reducer.TargetCount = 30
	}
	if c.Reducer.ThresholdCount == 0 {
		c.Reducer.ThresholdCount = 50
	}
	if c.Reducer.SummaryMaxTokens == 0 {
		c.Reducer.SummaryMaxTokens = 1024
	}
	if c.Completion.Provider == "" {
		c.Completion.Provider = ProviderNone
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3, DriverBolt:
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, bolt", c.Database.Driver)
	}

	switch c.Cache.Backend {
	case BackendLocal:
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of local, redis", c.Cache.Backend)
	}
	if c.Cache.PruneInterval < 0 || c.Cache.InactivityThreshold < 0 || c.Cache.Redis.TTL < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}

	if c.Reducer.TargetCount < 2 {
		return fmt.Errorf("reducer.target_count must be at least 2")
	}
	if c.Reducer.ThresholdCount < 0 {
		return fmt.Errorf("reducer.threshold_count must not be negative")
	}

	switch c.Completion.Provider {
	case ProviderNone, ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("completion.provider %q is not one of anthropic, openai, none", c.Completion.Provider)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.prune_interval", cfg.Cache.PruneIntervalRaw, &cfg.Cache.PruneInterval},
		{"cache.inactivity_threshold", cfg.Cache.InactivityThresholdRaw, &cfg.Cache.InactivityThreshold},
		{"cache.redis.ttl", cfg.Cache.Redis.TTLRaw, &cfg.Cache.Redis.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
