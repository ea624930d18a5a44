// ABOUTME: Node-local memory store backed by an internally synchronized map
// ABOUTME: Tracks last access per record and supports inactivity pruning

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-chatcache/internal/clock"
)

// localEntry guards one conversation's record.
type localEntry struct {
	mu     sync.Mutex
	record Record
}

// LocalStore keeps records in process memory. The map lock is only held for
// lookups and structural changes; each record has its own lock.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
	clock   clock.Clock
}

// NewLocalStore creates an empty node-local store. A nil clock uses the wall clock.
func NewLocalStore(c clock.Clock) *LocalStore {
	return &LocalStore{
		entries: make(map[string]*localEntry),
		clock:   clock.OrReal(c),
	}
}

// Kind returns KindLocal.
func (s *LocalStore) Kind() Kind { return KindLocal }

func (s *LocalStore) lookup(id string) *localEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// Get returns a copy of the record and refreshes its last access time.
func (s *LocalStore) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	e := s.lookup(id)
	if e == nil {
		return Record{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.record.LastAccessed = s.clock.Now()
	return e.record.Clone(), nil
}

// Set stores a copy of rec, stamped with the current time.
func (s *LocalStore) Set(ctx context.Context, id string, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := rec.Clone()
	stored.LastAccessed = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = &localEntry{record: stored}
	return nil
}

// Remove deletes the record for id if present.
func (s *LocalStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Exists reports whether a record is cached. It does not touch the record.
func (s *LocalStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.lookup(id) != nil, nil
}

// Count returns the number of cached records.
func (s *LocalStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// ListInactive returns the ids of records not accessed within threshold, sorted.
func (s *LocalStore) ListInactive(ctx context.Context, threshold time.Duration, now time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snapshot := make(map[string]*localEntry, len(s.entries))
	for id, e := range s.entries {
		snapshot[id] = e
	}
	s.mu.RUnlock()

	var stale []string
	for id, e := range snapshot {
		e.mu.Lock()
		last := e.record.LastAccessed
		e.mu.Unlock()
		if inactive(last, threshold, now) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// RemoveIfInactive deletes id only if it is still inactive at now. A record
// touched after it was listed survives. Reports whether it was removed.
func (s *LocalStore) RemoveIfInactive(ctx context.Context, id string, threshold time.Duration, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	last := e.record.LastAccessed
	e.mu.Unlock()
	if !inactive(last, threshold, now) {
		return false, nil
	}
	delete(s.entries, id)
	return true, nil
}

// Prune removes every record not accessed within threshold.
func (s *LocalStore) Prune(ctx context.Context, threshold time.Duration, now time.Time) (int, error) {
	ids, err := s.ListInactive(ctx, threshold, now)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		ok, err := s.RemoveIfInactive(ctx, id, threshold, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (s *LocalStore) Close() error { return nil }

var _ Backend = (*LocalStore)(nil)
