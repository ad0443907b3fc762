package cachestore

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for storage operations.
var (
	// ErrStore is returned when writing to a generation fails.
	ErrStore = errors.New("cachestore: store failed")

	// ErrQuotaExceeded is returned when a write would exceed the storage limit.
	ErrQuotaExceeded = errors.New("cachestore: quota exceeded")

	// ErrInvalidName is returned for generation names that cannot be stored.
	ErrInvalidName = errors.New("cachestore: invalid generation name")

	// ErrInvalidKey is returned for keys that are not absolute URLs.
	ErrInvalidKey = errors.New("cachestore: invalid key")

	// ErrCorrupt is returned when an entry fails digest verification.
	ErrCorrupt = errors.New("cachestore: corrupt entry")

	// ErrClosed is returned when the storage has been closed.
	ErrClosed = errors.New("cachestore: storage closed")
)

const maxNameLen = 200

// ValidateName checks that name can be used as a generation name.
// Names must be non-empty, at most 200 bytes, and must not contain path
// separators or control characters.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case len(name) > maxNameLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLen)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidName, name)
		}
	}
	return nil
}
