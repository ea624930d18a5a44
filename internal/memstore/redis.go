// ABOUTME: Shared-remote memory store on Redis with native key expiry
// ABOUTME: Records are JSON encoded under a prefixed key; TTL is refreshed on Set only

package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-chatcache/internal/clock"
)

// Defaults for RedisOptions.
const (
	DefaultKeyPrefix = "ChatHistory"
	DefaultTTL       = 30 * time.Minute
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	KeyPrefix string
	TTL       time.Duration
	Clock     clock.Clock
}

// RedisStore caches records in Redis. Expiry is left to Redis, so ListInactive
// and Prune do nothing.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

// NewRedisStore wraps an existing client. The store owns the client and
// closes it on Close.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
		clock:  clock.OrReal(opts.Clock),
	}
}

// Kind returns KindRemote.
func (s *RedisStore) Kind() Kind { return KindRemote }

// Key returns the Redis key used for id.
func (s *RedisStore) Key(id string) string {
	return s.prefix + ":" + id
}

// Get decodes the record stored for id. Reads do not extend the TTL.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	data, err := s.client.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("redis get %s: %w", id, err)
	}

	var rec *Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorruptedRecord, id, err)
	}
	if rec == nil {
		return Record{}, fmt.Errorf("%w: %s: null payload", ErrCorruptedRecord, id)
	}
	return *rec, nil
}

// Set encodes rec and writes it with a fresh TTL.
func (s *RedisStore) Set(ctx context.Context, id string, rec Record) error {
	rec.LastAccessed = s.clock.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.Key(id), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

// Remove deletes the key for id.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.Key(id)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a key for id is present.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.Key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", id, err)
	}
	return n > 0, nil
}

// Count scans the key space for this store's prefix.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}

// ListInactive always returns nothing.
func (s *RedisStore) ListInactive(ctx context.Context, _ time.Duration, _ time.Time) ([]string, error) {
	return nil, ctx.Err()
}

// Prune always removes nothing.
func (s *RedisStore) Prune(ctx context.Context, _ time.Duration, _ time.Time) (int, error) {
	return 0, ctx.Err()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Backend = (*RedisStore)(nil)
