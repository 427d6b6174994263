// Package store provides the in-memory key-value store with TTL support.
package store

import (
	"sync"
	"time"
)

// DefaultTTL is applied when SET carries no expiry option.
const DefaultTTL = 365 * 24 * time.Hour

// Entry represents a stored value with its absolute expiry time in
// milliseconds since the Unix epoch.
type Entry struct {
	Value    string
	ExpireAt int64
}

// Store is a concurrent mapping from key to Entry. Reads take the shared
// lock and run in parallel; a write excludes everything for its duration.
// Expiry is lazy: an entry at or past its deadline is reported absent but
// stays in the map until a later SET overwrites it. There is no background
// sweep.
//
// The clock is wall time in whole milliseconds. It is not monotonic; a
// backwards clock step can briefly resurrect an expired entry. That is a
// documented limitation, not corrected here.
type Store struct {
	mu   sync.RWMutex
	data map[string]Entry
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string]Entry)}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Set inserts or fully replaces the entry for key (last write wins, expiry
// included) with the default expiry of DefaultTTL from now.
func (s *Store) Set(key, value string) {
	s.SetWithTTL(key, value, DefaultTTL)
}

// SetWithTTL inserts or fully replaces the entry for key with an expiry of
// ttl from now. A zero ttl yields an entry that is already at its deadline,
// so it is reported absent from the first read on.
func (s *Store) SetWithTTL(key, value string, ttl time.Duration) {
	expireAt := nowMillis() + ttl.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = Entry{Value: value, ExpireAt: expireAt}
}

// SetAt inserts or replaces the entry for key with an absolute expiry.
// Exposed for tests that need a deterministic deadline.
func (s *Store) SetAt(key, value string, expireAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = Entry{Value: value, ExpireAt: expireAt}
}

// Get returns the value for key unless the key is absent or its expiry is at
// or before the current time. Expired rows are not deleted here.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[key]
	if !ok || nowMillis() >= entry.ExpireAt {
		return "", false
	}
	return entry.Value, true
}

// Len returns the number of live (unexpired) keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := nowMillis()
	n := 0
	for _, entry := range s.data {
		if now < entry.ExpireAt {
			n++
		}
	}
	return n
}
