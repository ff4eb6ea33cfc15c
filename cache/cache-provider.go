package cache

import (
	"context"
	"errors"
	"time"
)

var ErrStoreNotFound = errors.New("cache store not found")

// CacheStorage is a set of named stores, each holding captured HTTP responses
// keyed by request URL.
// Stores are whole units: a store is created on first open and is only ever
// removed in full, never entry by entry.
//
// Implementations must be thread-safe!
type CacheStorage interface {
	// Open returns the store with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Match looks for the key in every store, in store creation order,
	// and returns the first entry found.
	Match(ctx context.Context, key string) (CacheEntry, bool, error)
	// Names returns the names of all existing stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether the store existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Store is a single named cache.
// There is at most one entry per key, later writes overwrite earlier ones.
type Store interface {
	Name() string
	// Get returns the entry for the key, if it exists.
	// The boolean is false on a miss; the error is reserved for provider failures.
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	// Put stores the entry under entry.Key.
	Put(ctx context.Context, entry CacheEntry) error
	// Keys returns all keys currently stored.
	Keys(ctx context.Context) ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	// Bytes is the serialized response, see pkg/response-serializer.
	Bytes []byte
}
