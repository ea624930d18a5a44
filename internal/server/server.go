// ABOUTME: Server orchestrator wiring the durable store, memory store and HTTP/gRPC listeners
// ABOUTME: Owns startup from config, the background pruner and graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-chatcache/internal/completion"
	anthropicclient "github.com/2389/coven-chatcache/internal/completion/anthropic"
	openaiclient "github.com/2389/coven-chatcache/internal/completion/openai"
	"github.com/2389/coven-chatcache/internal/config"
	"github.com/2389/coven-chatcache/internal/conversation"
	"github.com/2389/coven-chatcache/internal/dedupe"
	"github.com/2389/coven-chatcache/internal/history"
	"github.com/2389/coven-chatcache/internal/memstore"
	"github.com/2389/coven-chatcache/internal/pruner"
	"github.com/2389/coven-chatcache/internal/store"
)

const (
	// HealthService is the gRPC health service name reported alongside "".
	HealthService = "coven.chatcache"

	dedupeTTL        = 10 * time.Minute
	dedupeMaxSize    = 100_000
	redisPingTimeout = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
	readinessProbe   = "readiness-probe"
)

// Server runs the conversation cache behind HTTP and gRPC listeners.
type Server struct {
	config      *config.Config
	store       store.Store
	backend     memstore.Backend
	manager     *conversation.Manager
	pruner      *pruner.Pruner
	dedupe      *dedupe.Cache[*conversation.Ack]
	broadcaster *conversation.Broadcaster
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	pruneCancel context.CancelFunc
	pruneDone   chan struct{}
}

// New builds every component described by cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	backend, err := newBackend(cfg.Cache)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	llm, err := newCompletionClient(cfg.Completion)
	if err != nil {
		_ = backend.Close()
		_ = st.Close()
		return nil, err
	}
	if llm == nil {
		logger.Info("no completion provider configured; summaries and chat are disabled")
	}

	broadcaster := conversation.NewBroadcaster(logger)
	reducer := history.New(llm, cfg.Reducer.SummaryMaxTokens, logger)
	manager := conversation.NewManager(st, backend, reducer, logger,
		conversation.WithBudget(history.Budget{
			TargetCount:    cfg.Reducer.TargetCount,
			ThresholdCount: cfg.Reducer.ThresholdCount,
		}),
		conversation.WithBroadcaster(broadcaster),
	)
	pr := pruner.New(backend, pruner.Config{
		Interval:  cfg.Cache.PruneInterval,
		Threshold: cfg.Cache.InactivityThreshold,
	}, nil, logger)
	dedupeCache := dedupe.New[*conversation.Ack](dedupeTTL, dedupeMaxSize, nil)

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	api := NewAPI(APIDeps{
		Manager:     manager,
		Agents:      st,
		Completion:  llm,
		Pruner:      pr,
		Dedupe:      dedupeCache,
		Broadcaster: broadcaster,
		Probes: map[string]Probe{
			"store": func(ctx context.Context) error {
				_, err := st.ThreadExists(ctx, readinessProbe)
				return err
			},
			"cache": func(ctx context.Context) error {
				_, err := backend.Exists(ctx, readinessProbe)
				return err
			},
		},
		Logger: logger,
	})

	s := &Server{
		config:      cfg,
		store:       st,
		backend:     backend,
		manager:     manager,
		pruner:      pr,
		dedupe:      dedupeCache,
		broadcaster: broadcaster,
		health:      healthServer,
		grpcServer:  grpcServer,
		httpServer: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}

	s.logger.Info("server configured",
		"driver", cfg.Database.Driver,
		"cache_backend", backend.Kind(),
		"completion_provider", cfg.Completion.Provider)

	return s, nil
}

// newBackend builds the memory store selected by cfg.
func newBackend(cfg config.CacheConfig) (memstore.Backend, error) {
	switch cfg.Backend {
	case "", config.BackendLocal:
		return memstore.NewLocalStore(nil), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := memstore.NewRedisStore(client, memstore.RedisOptions{
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL,
		})

		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// newCompletionClient returns nil when no provider is configured.
func newCompletionClient(cfg config.CompletionConfig) (completion.Client, error) {
	switch cfg.Provider {
	case "", config.ProviderNone:
		return nil, nil
	case config.ProviderAnthropic:
		return anthropicclient.New(func(o *anthropicclient.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
		}), nil
	case config.ProviderOpenAI:
		return openaiclient.New(func(o *openaiclient.Options) {
			o.APIKey = cfg.APIKey
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
		}), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Manager returns the conversation manager.
func (s *Server) Manager() *conversation.Manager {
	return s.manager
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting server",
		"grpc_addr", s.config.Server.GRPCAddr,
		"http_addr", s.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (s *Server) warnIgnoredAddresses() {
	if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
		s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", s.config.Server.GRPCAddr,
			"http_addr", s.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		s.warnIgnoredAddresses()
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startPruner runs the inactivity pruner until Shutdown.
func (s *Server) startPruner() {
	ctx, cancel := context.WithCancel(context.Background())
	s.pruneCancel = cancel
	s.pruneDone = make(chan struct{})

	go func() {
		defer close(s.pruneDone)
		if err := s.pruner.Run(ctx); err != nil {
			s.logger.Error("pruner stopped", "error", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the listeners and the pruner, then blocks until ctx is canceled
// or a server fails. It always shuts down before returning.
func (s *Server) Run(ctx context.Context) error {
	grpcListener, httpListener, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	s.startPruner()
	errCh := s.startServers(grpcListener, httpListener)
	serverErr := s.waitForShutdownSignal(ctx, errCh)

	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context since the run context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-chatcache", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :50051 (gRPC) and :80 (HTTP).
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// stopPruner cancels the pruner and waits for an in-flight sweep to finish.
func (s *Server) stopPruner(ctx context.Context) {
	if s.pruneCancel == nil {
		return
	}
	s.pruneCancel()
	select {
	case <-s.pruneDone:
	case <-ctx.Done():
		s.logger.Warn("pruner did not stop before shutdown deadline")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown marks the server NOT_SERVING, stops the listeners and the pruner,
// then releases the caches and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	s.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)
	s.stopPruner(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}

	s.dedupe.Close()
	s.broadcaster.Close()

	errs = appendCloseError(errs, "cache close", s.backend.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
