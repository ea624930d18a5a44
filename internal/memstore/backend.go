// ABOUTME: Memory store backend interface shared by the node-local and shared-remote caches
// ABOUTME: Defines Record, Kind and the sentinel errors both variants return

package memstore

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-chatcache/internal/chat"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("conversation not cached")

// ErrCorruptedRecord is returned when a stored record cannot be decoded.
// It is never used to signal absence.
var ErrCorruptedRecord = errors.New("corrupted cache record")

// Kind identifies a backend variant.
type Kind string

// Backend variants.
const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// Enumerable reports whether the backend can list its entries for pruning.
// Remote entries expire through the store's native TTL instead.
func (k Kind) Enumerable() bool {
	return k == KindLocal
}

// Record is the cached state of one conversation.
type Record struct {
	Messages     []chat.Message `json:"messages"`
	LastAccessed time.Time      `json:"lastAccessed"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	return Record{
		Messages:     chat.CloneMessages(r.Messages),
		LastAccessed: r.LastAccessed,
	}
}

// Backend is the capability set shared by every cache variant.
// Implementations must be safe for concurrent use.
type Backend interface {
	Kind() Kind

	// Get returns a copy of the record, or ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// Set replaces the whole record for id.
	Set(ctx context.Context, id string, rec Record) error
	// Remove deletes the record. Removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)

	// ListInactive returns ids whose last access is older than threshold at now.
	ListInactive(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error)
	// Prune removes inactive records and returns how many were removed.
	Prune(ctx context.Context, threshold time.Duration, now time.Time) (int, error)

	Close() error
}

// inactive reports whether lastAccessed is older than threshold at now.
func inactive(lastAccessed time.Time, threshold time.Duration, now time.Time) bool {
	return now.Sub(lastAccessed) > threshold
}
