// ABOUTME: Entry point for coven-chatcache, the conversation cache server
// ABOUTME: Dispatches serve, init, health, prune and stats subcommands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-chatcache/internal/config"
	"github.com/2389/coven-chatcache/internal/pruner"
	"github.com/2389/coven-chatcache/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                         _           _                  _
  ___ _____   _____ _ __         ___| |__   __ _| |_ ___ __ _  ___| |__   ___
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __/ __/ _' |/ __| '_ \ / _ \
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | || (_| (_| | (__| | | |  __/
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__\___\__,_|\___|_| |_|\___|
`

const clientTimeout = 10 * time.Second

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-chatcache <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the conversation cache server")
	fmt.Println("  init     Create a new config file interactively")
	fmt.Println("  health   Check server readiness")
	fmt.Println("  prune    Evict inactive conversations now")
	fmt.Println("  stats    Show cache statistics")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: reading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx, os.Stdout)
	case "prune":
		err = runPrune(ctx, os.Stdout)
	case "stats":
		err = runStats(ctx, os.Stdout)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-11s%s\n", label+":", value)
	}

	line("Config", configPath)
	line("gRPC", cfg.Server.GRPCAddr)
	line("HTTP", cfg.Server.HTTPAddr)
	line("Database", fmt.Sprintf("%s (%s)", cfg.Database.Path, cfg.Database.Driver))
	cacheDesc := cfg.Cache.Backend
	if cfg.Cache.Backend == config.BackendRedis {
		cacheDesc += " " + cfg.Cache.Redis.Addr
	}
	line("Cache", cacheDesc)
	line("Completion", cfg.Completion.Provider)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-11s", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-chatcache",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// baseURL returns the HTTP address of the configured server.
func baseURL(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func loadBaseURL() (string, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return baseURL(cfg), nil
}

// apiCall sends a request without a body and returns the response body.
// Non-2xx responses become errors carrying the server's error message.
func apiCall(ctx context.Context, method, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return body, fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return body, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func runHealth(ctx context.Context, out io.Writer) error {
	base, err := loadBaseURL()
	if err != nil {
		return err
	}
	return checkHealth(ctx, base, out)
}

func checkHealth(ctx context.Context, base string, out io.Writer) error {
	body, err := apiCall(ctx, http.MethodGet, base+"/health/ready")

	var ready server.ReadyResponse
	if body != nil && json.Unmarshal(body, &ready) == nil {
		for name, state := range ready.Checks {
			fmt.Fprintf(out, "%-8s %s\n", name, state)
		}
	}
	if err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}

	fmt.Fprintln(out, "healthy")
	return nil
}

func runPrune(ctx context.Context, out io.Writer) error {
	base, err := loadBaseURL()
	if err != nil {
		return err
	}
	return triggerPrune(ctx, base, out)
}

func triggerPrune(ctx context.Context, base string, out io.Writer) error {
	body, err := apiCall(ctx, http.MethodPost, base+"/api/cache/prune")
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	var res pruner.Result
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decoding prune result: %w", err)
	}
	if res.Skipped {
		fmt.Fprintln(out, "skipped: the cache backend expires entries on its own")
		return nil
	}
	fmt.Fprintf(out, "evicted %d conversation(s), %d failure(s)\n", res.Evicted, res.Failed)
	return nil
}

func runStats(ctx context.Context, out io.Writer) error {
	base, err := loadBaseURL()
	if err != nil {
		return err
	}
	return showStats(ctx, base, out)
}

func showStats(ctx context.Context, base string, out io.Writer) error {
	body, err := apiCall(ctx, http.MethodGet, base+"/api/cache/stats")
	if err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}

	var stats server.StatsResponse
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}
	fmt.Fprintf(out, "backend:              %s\n", stats.Backend)
	fmt.Fprintf(out, "cached conversations: %d\n", stats.Cached)
	fmt.Fprintf(out, "idempotency keys:     %d\n", stats.IdempotencyKeys)
	if stats.PruneInterval != "" {
		fmt.Fprintf(out, "prune interval:       %s\n", stats.PruneInterval)
		fmt.Fprintf(out, "inactivity threshold: %s\n", stats.InactivityThreshold)
	}
	return nil
}
