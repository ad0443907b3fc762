package cachestore

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// Entry is a stored response.
type Entry struct {
	// URL is the URL the response was fetched from.
	URL string

	// Status is the HTTP status code.
	Status int

	// Header holds the response headers.
	Header http.Header

	// Body is the complete response body.
	Body []byte

	// Digest is the SHA-256 digest of Body.
	Digest digest.Digest

	// StoredAt is when the entry was created.
	StoredAt time.Time
}

// NewEntry creates an entry and computes its digest.
func NewEntry(rawURL string, status int, header http.Header, body []byte) *Entry {
	return &Entry{
		URL:      rawURL,
		Status:   status,
		Header:   header.Clone(),
		Body:     body,
		Digest:   digest.FromBytes(body),
		StoredAt: time.Now().UTC(),
	}
}

// Size returns the body size in bytes.
func (e *Entry) Size() int64 {
	return int64(len(e.Body))
}

// Verify checks the body against the recorded digest.
func (e *Entry) Verify() error {
	if err := e.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorrupt, e.URL, err)
	}
	if got := e.Digest.Algorithm().FromBytes(e.Body); got != e.Digest {
		return fmt.Errorf("%w: %s: digest %s, want %s", ErrCorrupt, e.URL, got, e.Digest)
	}
	return nil
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	c.Body = bytes.Clone(e.Body)
	return &c
}

// Response builds an HTTP response for req from the entry.
// Each call returns an independent body reader.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Key returns the canonical cache key for rawURL.
// Keys are absolute URLs without a fragment.
func Key(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return keyFromURL(u)
}

// RequestKey returns the canonical cache key for req.
func RequestKey(req *http.Request) (string, error) {
	if req == nil || req.URL == nil {
		return "", fmt.Errorf("%w: nil request", ErrInvalidKey)
	}
	return keyFromURL(req.URL)
}

func keyFromURL(u *url.URL) (string, error) {
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidKey, u.String())
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	return c.String(), nil
}
