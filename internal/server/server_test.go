// ABOUTME: Tests for Server construction, listener lifecycle and gRPC health reporting
// ABOUTME: Runs against a temp SQLite database with local and miniredis-backed caches

package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-chatcache/internal/config"
	"github.com/2389/coven-chatcache/internal/memstore"
)

// freeAddr finds an available loopback address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "chatcache.db"),
		},
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	assert.Equal(t, memstore.KindLocal, s.backend.Kind())
	assert.NotNil(t, s.Manager())
	assert.NotNil(t, s.Handler())
}

func TestNew_BoltDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverBolt
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatcache.bolt")

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestNew_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendRedis
	cfg.Cache.Redis.Addr = mr.Addr()

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s.Shutdown(context.Background())
	assert.Equal(t, memstore.KindRemote, s.backend.Kind())

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = config.BackendRedis
	cfg.Cache.Redis.Addr = freeAddr(t)

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis")
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Completion.Provider = "llama"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
}

func TestNewCompletionClient(t *testing.T) {
	temp := 0.2
	tests := []struct {
		provider string
		wantNil  bool
	}{
		{config.ProviderNone, true},
		{"", true},
		{config.ProviderAnthropic, false},
		{config.ProviderOpenAI, false},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			client, err := newCompletionClient(config.CompletionConfig{
				Provider:    tt.provider,
				Model:       "test-model",
				APIKey:      "test-key",
				MaxTokens:   64,
				Temperature: &temp,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantNil, client == nil)
		})
	}
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	require.NoError(t, err)
	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	resp.Body.Close()
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, map[string]string{"store": "ok", "cache": "ok"}, ready.Checks)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestGRPCHealth(t *testing.T) {
	cfg := testConfig(t)

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.startServers(grpcLn, httpLn)

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	for _, service := range []string{"", HealthService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", service)
	}

	require.NoError(t, s.Shutdown(ctx))

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
