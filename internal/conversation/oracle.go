// ABOUTME: Thread existence oracle consulting the cache before the durable store
// ABOUTME: Cache errors propagate; durable errors become PersistenceError

package conversation

import (
	"context"
	"fmt"

	"github.com/2389/coven-chatcache/internal/memstore"
)

// ThreadChecker reports whether a durable thread exists.
type ThreadChecker interface {
	ThreadExists(ctx context.Context, id string) (bool, error)
}

// Oracle answers "does this conversation exist" cache-first.
type Oracle struct {
	cache   memstore.Backend
	threads ThreadChecker
}

// NewOracle creates an Oracle.
func NewOracle(cache memstore.Backend, threads ThreadChecker) *Oracle {
	return &Oracle{cache: cache, threads: threads}
}

// Exists returns true when the conversation is cached or durably stored.
func (o *Oracle) Exists(ctx context.Context, id string) (bool, error) {
	cached, err := o.cache.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("checking cache: %w", err)
	}
	if cached {
		return true, nil
	}

	stored, err := o.threads.ThreadExists(ctx, id)
	if err != nil {
		return false, persistenceErr("exists", id, err)
	}
	return stored, nil
}
