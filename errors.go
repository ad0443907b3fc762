package warmcache

import (
	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/worker"
)

// Errors re-exported from preload and worker.
var (
	// ErrLoadFailed is returned when an image could not be fetched or decoded.
	ErrLoadFailed = preload.ErrLoadFailed

	// ErrInstall is returned when a worker could not populate its generations.
	ErrInstall = worker.ErrInstall

	// ErrNetwork is returned when a request failed and no cached response exists.
	ErrNetwork = worker.ErrNetwork
)

// Errors re-exported from cachestore.
var (
	// ErrStore is returned when writing to a generation fails.
	ErrStore = cachestore.ErrStore

	// ErrQuotaExceeded is returned when a write would exceed the storage limit.
	ErrQuotaExceeded = cachestore.ErrQuotaExceeded

	// ErrInvalidName is returned for generation names that cannot be stored.
	ErrInvalidName = cachestore.ErrInvalidName

	// ErrCorrupt is returned when a stored entry fails digest verification.
	ErrCorrupt = cachestore.ErrCorrupt
)
