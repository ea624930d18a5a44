// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, duration parsing and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "chatcache.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"

database:
  driver: "bolt"
  path: "./chat.bolt"

cache:
  backend: "redis"
  prune_interval: "5m"
  inactivity_threshold: "1h"
  redis:
    addr: "localhost:6379"
    db: 2
    key_prefix: "Chats"
    ttl: "45m"

reducer:
  target_count: 20
  threshold_count: 10
  summary_max_tokens: 512

completion:
  provider: "anthropic"
  model: "claude-test"
  max_tokens: 2048
  temperature: 0.3

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("expected http_addr '0.0.0.0:8080', got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Driver != DriverBolt {
		t.Errorf("expected driver bolt, got %q", cfg.Database.Driver)
	}
	if cfg.Cache.Backend != BackendRedis {
		t.Errorf("expected redis backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.PruneInterval != 5*time.Minute {
		t.Errorf("expected prune_interval 5m, got %v", cfg.Cache.PruneInterval)
	}
	if cfg.Cache.InactivityThreshold != time.Hour {
		t.Errorf("expected inactivity_threshold 1h, got %v", cfg.Cache.InactivityThreshold)
	}
	if cfg.Cache.Redis.TTL != 45*time.Minute {
		t.Errorf("expected redis ttl 45m, got %v", cfg.Cache.Redis.TTL)
	}
	if cfg.Cache.Redis.DB != 2 || cfg.Cache.Redis.KeyPrefix != "Chats" {
		t.Errorf("unexpected redis config: %+v", cfg.Cache.Redis)
	}
	if cfg.Reducer.TargetCount != 20 || cfg.Reducer.ThresholdCount != 10 || cfg.Reducer.SummaryMaxTokens != 512 {
		t.Errorf("unexpected reducer config: %+v", cfg.Reducer)
	}
	if cfg.Completion.Temperature == nil || *cfg.Completion.Temperature != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", cfg.Completion.Temperature)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected logging format json, got %q", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "chatcache.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: "./chat.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("expected default driver sqlite, got %q", cfg.Database.Driver)
	}
	if cfg.Cache.Backend != BackendLocal {
		t.Errorf("expected default backend local, got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.PruneInterval != 10*time.Minute {
		t.Errorf("expected default prune_interval 10m, got %v", cfg.Cache.PruneInterval)
	}
	if cfg.Cache.InactivityThreshold != 30*time.Minute {
		t.Errorf("expected default inactivity_threshold 30m, got %v", cfg.Cache.InactivityThreshold)
	}
	if cfg.Cache.Redis.KeyPrefix != "ChatHistory" || cfg.Cache.Redis.TTL != 30*time.Minute {
		t.Errorf("unexpected redis defaults: %+v", cfg.Cache.Redis)
	}
	if cfg.Reducer.TargetCount != 30 || cfg.Reducer.ThresholdCount != 50 {
		t.Errorf("unexpected reducer defaults: %+v", cfg.Reducer)
	}
	if cfg.Completion.Provider != ProviderNone {
		t.Errorf("expected default provider none, got %q", cfg.Completion.Provider)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "chatcache.toml", `
[server]
http_addr = ":8080"
grpc_addr = ":50051"

[database]
path = "./chat.db"

[cache]
prune_interval = "2m"

[completion]
provider = "openai"
model = "gpt-test"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.PruneInterval != 2*time.Minute {
		t.Errorf("expected prune_interval 2m, got %v", cfg.Cache.PruneInterval)
	}
	if cfg.Completion.Provider != ProviderOpenAI || cfg.Completion.Model != "gpt-test" {
		t.Errorf("unexpected completion config: %+v", cfg.Completion)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHATCACHE_DB", "/var/lib/chat.db")
	t.Setenv("TEST_CHATCACHE_KEY", "sk-secret")

	path := writeConfig(t, "chatcache.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: "${TEST_CHATCACHE_DB}"
completion:
  provider: "openai"
  api_key: "${TEST_CHATCACHE_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/chat.db" {
		t.Errorf("expected expanded database path, got %q", cfg.Database.Path)
	}
	if cfg.Completion.APIKey != "sk-secret" {
		t.Errorf("expected expanded api key, got %q", cfg.Completion.APIKey)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "chatcache.yaml", `
server:
  http_addr: ":8080"
  grpc_addr: ":50051"
database:
  path: "./chat.db"
cache:
  inactivity_threshold: "forever"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "inactivity_threshold") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080", GRPCAddr: ":50051"},
			Database: DatabaseConfig{Path: "./chat.db"},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale replaces addrs", func(c *Config) {
			c.Server = ServerConfig{}
			c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "chatcache"}
		}, ""},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"redis without addr", func(c *Config) { c.Cache.Backend = BackendRedis }, "cache.redis.addr"},
		{"unknown backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"tiny target", func(c *Config) { c.Reducer.TargetCount = 1 }, "reducer.target_count"},
		{"unknown provider", func(c *Config) { c.Completion.Provider = "llama" }, "completion.provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("COVEN_CHATCACHE_CONFIG", "/etc/chatcache.yaml")
	if got := DefaultPath(); got != "/etc/chatcache.yaml" {
		t.Errorf("expected env override, got %q", got)
	}

	t.Setenv("COVEN_CHATCACHE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != filepath.Join("/tmp/xdg", "coven", "chatcache.yaml") {
		t.Errorf("expected XDG path, got %q", got)
	}
}
