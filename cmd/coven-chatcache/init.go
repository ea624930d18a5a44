// ABOUTME: Interactive config file creation for coven-chatcache init
// ABOUTME: Prompts for listeners, storage, cache backend and completion provider, then writes YAML

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-chatcache/internal/config"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	GRPCAddr  string
	HTTPAddr  string
	DBDriver  string
	DBPath    string
	Backend   string
	RedisAddr string
	Provider  string
	Model     string
	Tailscale bool
	Hostname  string
	LogLevel  string
	LogFormat string
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "coven-chatcache configuration setup")
	fmt.Fprintln(out, "===================================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(getDataPath(), "chatcache.db")

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.GRPCAddr = prompt(reader, out, "gRPC address", "localhost:50061")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8090")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.DBDriver = prompt(reader, out, "Driver (sqlite/sqlite3/bolt)", config.DriverSQLite)
	a.DBPath = prompt(reader, out, "Database path", defaultDBPath)

	fmt.Fprintln(out, "\n--- Cache Configuration ---")
	a.Backend = prompt(reader, out, "Backend (local/redis)", config.BackendLocal)
	if a.Backend == config.BackendRedis {
		a.RedisAddr = prompt(reader, out, "Redis address", "localhost:6379")
	}

	fmt.Fprintln(out, "\n--- Completion Configuration ---")
	a.Provider = prompt(reader, out, "Provider (anthropic/openai/none)", config.ProviderNone)
	if a.Provider != config.ProviderNone {
		a.Model = prompt(reader, out, "Model (leave empty for provider default)", "")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.Hostname = prompt(reader, out, "Tailscale hostname", "coven-chatcache")
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.DBPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-chatcache serve")
	return nil
}

// renderConfig produces the YAML written by init. API keys are read from the
// environment so they never land on disk.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# coven-chatcache configuration\n")
	b.WriteString("# Generated by coven-chatcache init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	fmt.Fprintf(&b, "  http_addr: %q\n\n", a.HTTPAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.DBDriver)
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("cache:\n")
	fmt.Fprintf(&b, "  backend: %q\n", a.Backend)
	b.WriteString("  prune_interval: \"10m\"\n")
	b.WriteString("  inactivity_threshold: \"30m\"\n")
	if a.Backend == config.BackendRedis {
		b.WriteString("  redis:\n")
		fmt.Fprintf(&b, "    addr: %q\n", a.RedisAddr)
		b.WriteString("    password: \"${REDIS_PASSWORD}\"\n")
		b.WriteString("    key_prefix: \"ChatHistory\"\n")
		b.WriteString("    ttl: \"30m\"\n")
	}
	b.WriteString("\n")

	b.WriteString("reducer:\n")
	b.WriteString("  target_count: 30\n")
	b.WriteString("  threshold_count: 50\n\n")

	b.WriteString("completion:\n")
	fmt.Fprintf(&b, "  provider: %q\n", a.Provider)
	if a.Model != "" {
		fmt.Fprintf(&b, "  model: %q\n", a.Model)
	}
	switch a.Provider {
	case config.ProviderAnthropic:
		b.WriteString("  api_key: \"${ANTHROPIC_API_KEY}\"\n")
	case config.ProviderOpenAI:
		b.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
	}
	b.WriteString("\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.Hostname)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
