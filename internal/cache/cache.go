// Package cache stores produced tokens durably so that independent broker
// invocations can reuse them. Stores hold opaque byte payloads; TokenCache
// layers typed values, TTL checks and producer invocation on top.
package cache

import (
	"context"
	"time"
)

// DefaultTTL applies when a caller does not supply a positive TTL.
const DefaultTTL = 24 * time.Hour

// DefaultNamespace prefixes every key written by a store, so that Clear only
// removes this application's entries.
const DefaultNamespace = "tokenbroker_"

// Entry is a stored payload and the time it was written. The write time is
// the TTL anchor.
type Entry struct {
	Payload   []byte    `json:"payload"`
	WrittenAt time.Time `json:"written_at"`
}

// Age returns how long ago the entry was written.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// Store is a keyed entry store. Implementations do not interpret payloads and
// do not apply per-call TTLs; a store may evict entries earlier than a
// caller's TTL but never serves an entry it has evicted.
type Store interface {
	// Get retrieves an entry. A missing key is (Entry{}, false, nil).
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores an entry, replacing any existing one.
	Set(ctx context.Context, key string, entry Entry) error

	// Invalidate removes an entry. Removing a missing key is not an error.
	Invalidate(ctx context.Context, key string) error

	// Clear removes every entry in the store's namespace.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
