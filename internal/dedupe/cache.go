// ABOUTME: Thread-safe TTL cache of idempotency keys and the results they produced
// ABOUTME: Lets the append endpoint answer client retries without appending twice

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/coven-chatcache/internal/clock"
)

// entry stores a remembered result and its position in the eviction order.
type entry[V any] struct {
	key     string
	value   V
	stored  time.Time
	element *list.Element
}

// Cache remembers the result recorded under each key for ttl. At capacity the
// oldest key is evicted. A background goroutine drops expired keys.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache. A nil clock uses the wall clock.
func New[V any](ttl time.Duration, maxSize int, c clock.Clock) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	cache := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock.OrReal(c),
		done:    make(chan struct{}),
	}
	go cache.cleanup()
	return cache
}

// Key scopes an idempotency key to a conversation.
func Key(conversationID, idempotencyKey string) string {
	return conversationID + "|" + idempotencyKey
}

// Lookup returns the result stored under key if it has not expired.
func (c *Cache[V]) Lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Store records value under key, replacing any previous result.
func (c *Cache[V]) Store(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.stored = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e := &entry[V]{key: key, value: value, stored: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// Len returns the number of remembered keys, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expired must be called with mu held.
func (c *Cache[V]) expired(e *entry[V]) bool {
	return c.clock.Now().Sub(e.stored) >= c.ttl
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.order.Remove(front)
	delete(c.entries, e.key)
}

func (c *Cache[V]) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired keys. Entries are ordered by store time, so it
// stops at the first live one.
func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e, _ := front.Value.(*entry[V])
		if !c.expired(e) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
