// ABOUTME: Tests for the node-local store's access tracking and pruning
// ABOUTME: Uses a manual clock so eviction decisions are deterministic

package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/chat"
)

func TestLocalStore_GetTouchesLastAccessed(t *testing.T) {
	s, clk := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "conv-1", Record{}))
	clk.Advance(5 * time.Minute)

	rec, err := s.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, testEpoch.Add(5*time.Minute), rec.LastAccessed)
}

func TestLocalStore_Prune(t *testing.T) {
	s, clk := setupLocalStore(t)
	ctx := context.Background()
	threshold := 30 * time.Minute

	require.NoError(t, s.Set(ctx, "stale", Record{}))
	clk.Advance(20 * time.Minute)
	require.NoError(t, s.Set(ctx, "fresh", Record{}))
	clk.Advance(15 * time.Minute)

	ids, err := s.ListInactive(ctx, threshold, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	removed, err := s.Prune(ctx, threshold, clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}

func TestLocalStore_Prune_ExactThresholdRetained(t *testing.T) {
	s, clk := setupLocalStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "edge", Record{}))
	clk.Advance(30 * time.Minute)

	removed, err := s.Prune(ctx, 30*time.Minute, clk.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestLocalStore_RemoveIfInactive_SkipsTouchedRecord(t *testing.T) {
	s, clk := setupLocalStore(t)
	ctx := context.Background()
	threshold := 10 * time.Minute

	require.NoError(t, s.Set(ctx, "conv-1", Record{}))
	clk.Advance(time.Hour)

	ids, err := s.ListInactive(ctx, threshold, clk.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"conv-1"}, ids)

	// Touched between listing and removal
	_, err = s.Get(ctx, "conv-1")
	require.NoError(t, err)

	removed, err := s.RemoveIfInactive(ctx, "conv-1", threshold, clk.Now())
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	s, _ := setupLocalStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Set(ctx, "conv-1", Record{}), context.Canceled)
	_, err := s.Prune(ctx, time.Minute, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStore_ConcurrentAccess(t *testing.T) {
	s, _ := setupLocalStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conv-%d", i%5)
			_ = s.Set(ctx, id, Record{Messages: []chat.Message{chat.NewMessage(chat.RoleUser, id)}})
			_, _ = s.Get(ctx, id)
			_, _ = s.ListInactive(ctx, time.Minute, time.Now())
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
