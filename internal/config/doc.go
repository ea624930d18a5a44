// Package config handles configuration loading for coven-chatcache.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by extension) with
// environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_CHATCACHE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/chatcache.yaml
//  3. ~/.config/coven/chatcache.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	completion:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	cache:
//	  prune_interval: "10m"
//	  inactivity_threshold: "30m"
//	  redis:
//	    ttl: "30m"
//
// # Configuration Sections
//
//	server:     http_addr, grpc_addr
//	tailscale:  enabled, hostname, auth_key, state_dir, ephemeral
//	database:   driver (sqlite | sqlite3 | bolt), path
//	cache:      backend (local | redis), prune_interval, inactivity_threshold, redis
//	reducer:    target_count, threshold_count, summary_max_tokens
//	completion: provider (anthropic | openai | none), model, api_key, max_tokens, temperature
//	logging:    level, format
//
// When tailscale is enabled the server listeners run on the tailnet and
// server addresses become optional.
package config
