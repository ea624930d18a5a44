// ABOUTME: Tests for inactivity sweeps and the pruner run loop
// ABOUTME: Drives eviction with a manual clock and a failing backend wrapper

package pruner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/clock"
	"github.com/2389/coven-chatcache/internal/memstore"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupPruner(t *testing.T) (*Pruner, *memstore.LocalStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	cache := memstore.NewLocalStore(clk)
	return New(cache, Config{Threshold: 30 * time.Minute}, clk, nil), cache, clk
}

// failingBackend refuses to remove one id. Embedding the interface hides
// RemoveIfInactive, so the pruner falls back to Remove.
type failingBackend struct {
	memstore.Backend
	failID string
}

func (f *failingBackend) Remove(ctx context.Context, id string) error {
	if id == f.failID {
		return errors.New("remove refused")
	}
	return f.Backend.Remove(ctx, id)
}

func TestNew_Defaults(t *testing.T) {
	p := New(memstore.NewLocalStore(nil), Config{}, nil, nil)
	assert.Equal(t, DefaultInterval, p.Config().Interval)
	assert.Equal(t, DefaultThreshold, p.Config().Threshold)
}

func TestPruner_Sweep(t *testing.T) {
	p, cache, clk := setupPruner(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "old", memstore.Record{}))
	clk.Advance(25 * time.Minute)
	require.NoError(t, cache.Set(ctx, "recent", memstore.Record{}))
	clk.Advance(10 * time.Minute)

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Evicted: 1}, res)

	ok, err := cache.Exists(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = cache.Exists(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPruner_Sweep_ContinuesPastFailures(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	backend := &failingBackend{Backend: memstore.NewLocalStore(clk), failID: "b"}
	p := New(backend, Config{Threshold: time.Minute}, clk, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, backend.Set(ctx, id, memstore.Record{}))
	}
	clk.Advance(time.Hour)

	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Evicted)
	assert.Equal(t, 1, res.Failed)

	n, err := backend.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruner_Sweep_CancelledContext(t *testing.T) {
	p, cache, clk := setupPruner(t)
	require.NoError(t, cache.Set(context.Background(), "old", memstore.Record{}))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPruner_Sweep_SkipsRemoteBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := memstore.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), memstore.RedisOptions{})
	defer cache.Close()

	res, err := New(cache, Config{}, nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestPruner_Run_StopsOnCancel(t *testing.T) {
	clk := clock.NewManual(testEpoch)
	cache := memstore.NewLocalStore(clk)
	p := New(cache, Config{Interval: 10 * time.Millisecond, Threshold: time.Minute}, clk, nil)

	require.NoError(t, cache.Set(context.Background(), "old", memstore.Record{}))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, _ := cache.Count(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
