// ABOUTME: Contract tests run against both memory store backends
// ABOUTME: Covers round-trip fidelity, removal, existence and counting

package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chatcache/internal/chat"
	"github.com/2389/coven-chatcache/internal/clock"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupLocalStore(t *testing.T) (*LocalStore, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	return NewLocalStore(clk), clk
}

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, RedisOptions{TTL: 30 * time.Minute})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("local", func(t *testing.T) {
		s, _ := setupLocalStore(t)
		fn(t, s)
	})
	t.Run("redis", func(t *testing.T) {
		s, _ := setupRedisStore(t)
		fn(t, s)
	})
}

func sampleMessages() []chat.Message {
	return []chat.Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hello", Metadata: map[string]string{"channel": "web"}},
		{
			Role: chat.RoleAssistant,
			Items: []chat.Part{
				{Type: chat.PartTypeText, Text: "here is the chart"},
				{Type: chat.PartTypeImage, URI: "https://example.com/c.png", MIMEType: "image/png"},
				{Type: chat.PartTypeData, Data: []byte{0x01, 0x02, 0xff}},
			},
		},
	}
}

func TestBackend_SetGet_RoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		want := sampleMessages()

		require.NoError(t, b.Set(ctx, "conv-1", Record{Messages: want}))

		got, err := b.Get(ctx, "conv-1")
		require.NoError(t, err)
		assert.Equal(t, want, got.Messages)
	})
}

func TestBackend_Get_Missing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		_, err := b.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBackend_Set_ReplacesWholeRecord(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Set(ctx, "conv-1", Record{Messages: sampleMessages()}))
		require.NoError(t, b.Set(ctx, "conv-1", Record{Messages: []chat.Message{chat.NewMessage(chat.RoleUser, "only")}}))

		got, err := b.Get(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, "only", got.Messages[0].Content)
	})
}

func TestBackend_RemoveExistsCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Set(ctx, "a", Record{Messages: sampleMessages()}))
		require.NoError(t, b.Set(ctx, "b", Record{Messages: sampleMessages()}))

		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		ok, err := b.Exists(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, b.Remove(ctx, "a"))
		require.NoError(t, b.Remove(ctx, "a"), "remove must be idempotent")

		ok, err = b.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		n, err = b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestBackend_GetReturnsCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		require.NoError(t, b.Set(ctx, "conv-1", Record{Messages: sampleMessages()}))

		got, err := b.Get(ctx, "conv-1")
		require.NoError(t, err)
		got.Messages[1].Metadata["channel"] = "mutated"
		got.Messages = append(got.Messages, chat.NewMessage(chat.RoleUser, "extra"))

		again, err := b.Get(ctx, "conv-1")
		require.NoError(t, err)
		assert.Len(t, again.Messages, 3)
		assert.Equal(t, "web", again.Messages[1].Metadata["channel"])
	})
}

func TestKind_Enumerable(t *testing.T) {
	assert.True(t, KindLocal.Enumerable())
	assert.False(t, KindRemote.Enumerable())
}
