package preload

import (
	"bytes"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	// Registered decoders.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// DecodeMode selects when pixel data is decoded.
type DecodeMode int

const (
	// DecodeAsync validates the image header at load time and decodes
	// pixels on the first call to Decode.
	DecodeAsync DecodeMode = iota
	// DecodeSync decodes pixels before the load completes.
	DecodeSync
)

// String returns the mode name.
func (m DecodeMode) String() string {
	if m == DecodeSync {
		return "sync"
	}
	return "async"
}

// Image is a loaded image resource keyed by its URL.
type Image struct {
	// URL is the source URL.
	URL string

	// Format is the decoder name, such as "png" or "webp".
	Format string

	// Config holds the dimensions and color model from the header.
	Config image.Config

	data []byte

	once    sync.Once
	decoded atomic.Bool
	img     image.Image
	err     error
}

// newImage validates the header of data and returns an undecoded Image.
func newImage(rawURL string, data []byte) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, rawURL, err)
	}
	return &Image{URL: rawURL, Format: format, Config: cfg, data: data}, nil
}

// Decode returns the decoded pixels, decoding them on first use.
func (i *Image) Decode() (image.Image, error) {
	i.once.Do(func() {
		img, _, err := image.Decode(bytes.NewReader(i.data))
		if err != nil {
			i.err = fmt.Errorf("%w: %s: decode: %w", ErrLoadFailed, i.URL, err)
			return
		}
		i.img = img
		i.decoded.Store(true)
	})
	return i.img, i.err
}

// Decoded reports whether pixels have been decoded successfully.
// It never triggers decoding.
func (i *Image) Decoded() bool {
	return i.decoded.Load()
}

// Bytes returns the encoded image.
func (i *Image) Bytes() []byte {
	return i.data
}
