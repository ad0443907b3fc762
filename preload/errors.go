package preload

import (
	"errors"
	"fmt"
)

// ErrLoadFailed is returned when an image could not be fetched or decoded.
var ErrLoadFailed = errors.New("preload: load failed")

func wrapLoad(url string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrLoadFailed, url, err)
}
