package worker

import "errors"

// Sentinel errors for worker operations.
var (
	// ErrInstall is returned when a generation could not be populated.
	// The previously installed generations are left untouched.
	ErrInstall = errors.New("worker: install failed")

	// ErrNetwork is returned by RoundTrip when the network failed and no
	// cached response could be served instead.
	ErrNetwork = errors.New("worker: network failure")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("worker: invalid config")
)
