// Package record encodes cache entries for persistent backends.
//
// A record is a 4-byte magic, a big-endian uint32 metadata length, the JSON
// metadata, and the body. Bodies that shrink under zstd are stored
// compressed; already-compressed formats such as images are stored as is.
package record

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/warmcache/cachestore"
)

const (
	magic     = "WCE1"
	headerLen = len(magic) + 4

	encodingIdentity = ""
	encodingZstd     = "zstd"

	// maxDecodedBytes bounds zstd output when reading records.
	maxDecodedBytes = 1 << 30
)

// ErrMalformed is returned for records that cannot be parsed.
var ErrMalformed = errors.New("record: malformed")

// Meta is the metadata portion of a record.
type Meta struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Digest   string      `json:"digest"`
	Size     int64       `json:"size"`
	Encoding string      `json:"encoding,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxDecodedBytes))
	})
	return encoder, decoder, codecErr
}

// Encode serializes e stored under key.
func Encode(key string, e *cachestore.Entry) ([]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return nil, err
	}

	body := e.Body
	encoding := encodingIdentity
	if len(body) > 0 {
		if compressed := enc.EncodeAll(body, nil); len(compressed) < len(body) {
			body = compressed
			encoding = encodingZstd
		}
	}

	meta, err := json.Marshal(Meta{
		Key:      key,
		URL:      e.URL,
		Status:   e.Status,
		Header:   e.Header,
		Digest:   e.Digest.String(),
		Size:     e.Size(),
		Encoding: encoding,
		StoredAt: e.StoredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("record: encode metadata: %w", err)
	}

	out := make([]byte, 0, headerLen+len(meta)+len(body))
	out = append(out, magic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(meta))) //nolint:gosec // metadata is far below 4 GiB
	out = append(out, meta...)
	out = append(out, body...)
	return out, nil
}

// DecodeMeta parses only the metadata of a record.
func DecodeMeta(data []byte) (*Meta, error) {
	meta, _, err := split(data)
	return meta, err
}

// Decode parses a record into its key and entry.
// The entry is not verified; callers should call Entry.Verify.
func Decode(data []byte) (string, *cachestore.Entry, error) {
	meta, body, err := split(data)
	if err != nil {
		return "", nil, err
	}

	switch meta.Encoding {
	case encodingIdentity:
		body = append([]byte(nil), body...)
	case encodingZstd:
		_, dec, err := codec()
		if err != nil {
			return "", nil, err
		}
		body, err = dec.DecodeAll(body, make([]byte, 0, min(meta.Size, 1<<20)))
		if err != nil {
			return "", nil, fmt.Errorf("%w: decompress: %w", ErrMalformed, err)
		}
	default:
		return "", nil, fmt.Errorf("%w: unknown encoding %q", ErrMalformed, meta.Encoding)
	}
	if int64(len(body)) != meta.Size {
		return "", nil, fmt.Errorf("%w: body is %d bytes, want %d", ErrMalformed, len(body), meta.Size)
	}

	return meta.Key, &cachestore.Entry{
		URL:      meta.URL,
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		Digest:   digest.Digest(meta.Digest),
		StoredAt: meta.StoredAt,
	}, nil
}

func split(data []byte) (*Meta, []byte, error) {
	if len(data) < headerLen || string(data[:len(magic)]) != magic {
		return nil, nil, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(data[len(magic):headerLen])
	if uint64(n) > uint64(len(data)-headerLen) {
		return nil, nil, fmt.Errorf("%w: metadata length %d exceeds record", ErrMalformed, n)
	}
	var meta Meta
	if err := json.Unmarshal(data[headerLen:headerLen+int(n)], &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: metadata: %w", ErrMalformed, err)
	}
	return &meta, data[headerLen+int(n):], nil
}
