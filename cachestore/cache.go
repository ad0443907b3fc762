// Package cachestore defines persistent storage for named cache generations.
//
// A Storage holds any number of named Generations. Each Generation maps a
// canonical request URL to a stored response Entry. Generations are versioned
// by name: a new version of the cache uses a new name, and old names are
// deleted wholesale once the new version takes over. There is no per-entry
// eviction.
//
// Implementations live in subpackages (memory, disk, badger) and must be safe
// for concurrent use. Concurrent writes to the same key are last-write-wins.
package cachestore

import "context"

// Storage is a set of named cache generations.
type Storage interface {
	// Open returns the generation with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Generation, error)

	// Names returns the names of all existing generations in sorted order.
	Names(ctx context.Context) ([]string, error)

	// Delete removes a generation and all of its entries.
	// It reports whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Match looks key up in every generation, in name order, and returns
	// the first entry found.
	Match(ctx context.Context, key string) (*Entry, bool)

	// Close releases resources held by the storage.
	Close() error
}

// Generation is a single named cache.
type Generation interface {
	// Name returns the generation name.
	Name() string

	// Match returns the entry stored under key.
	Match(ctx context.Context, key string) (*Entry, bool)

	// Put stores e under key, replacing any previous entry.
	Put(ctx context.Context, key string, e *Entry) error

	// Delete removes the entry stored under key. Missing keys are a no-op.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys in sorted order.
	Keys(ctx context.Context) ([]string, error)
}
