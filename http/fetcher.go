// Package http provides whole-resource fetching with request priority hints.
//
// A Fetcher wraps an *net/http.Client and issues GET requests annotated with
// the RFC 9218 Priority header and a Sec-Fetch-Dest destination. Both the
// preloader and the cache worker use it, so when the client's transport is a
// worker the hints are visible to its routing policy.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
)

// DefaultMaxBytes caps the size of a single fetched body.
const DefaultMaxBytes int64 = 64 << 20 // 64 MB

var (
	// ErrStatus is returned when the server answers with a non-2xx status.
	ErrStatus = errors.New("http: unexpected status")

	// ErrTooLarge is returned when a body exceeds the configured limit.
	ErrTooLarge = errors.New("http: body too large")
)

// Priority is a fetch priority hint.
type Priority int

const (
	// PriorityAuto sends no priority hint.
	PriorityAuto Priority = iota
	// PriorityHigh marks a request as more urgent than the default.
	PriorityHigh
	// PriorityHighest marks a request as the most urgent of the page.
	PriorityHighest
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityHighest:
		return "highest"
	default:
		return "auto"
	}
}

// HeaderValue returns the RFC 9218 Priority header value, or "" for auto.
func (p Priority) HeaderValue() string {
	switch p {
	case PriorityHigh:
		return "u=1"
	case PriorityHighest:
		return "u=0"
	default:
		return ""
	}
}

// Destination is the Sec-Fetch-Dest value describing what a request is for.
type Destination string

// Destinations used by warmcache.
const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
)

// Header names set by the Fetcher.
const (
	HeaderPriority  = "Priority"
	HeaderFetchDest = "Sec-Fetch-Dest"
)

// Response is a fully read 2xx response.
type Response struct {
	URL    string
	Status int
	Header nethttp.Header
	Body   []byte
}

// Fetcher issues whole-resource GET requests.
type Fetcher struct {
	client   *nethttp.Client
	headers  nethttp.Header
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithMaxBytes limits the body size accepted by Fetch.
// Values <= 0 restore [DefaultMaxBytes].
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		f.maxBytes = n
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   nethttp.DefaultClient,
		maxBytes: DefaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	return f
}

// Client returns the underlying HTTP client.
func (f *Fetcher) Client() *nethttp.Client {
	return f.client
}

// Fetch GETs url and reads the whole body.
// Non-2xx responses return an error wrapping [ErrStatus].
func (f *Fetcher) Fetch(ctx context.Context, url string, prio Priority, dest Destination) (*Response, error) {
	req, err := f.NewRequest(ctx, nethttp.MethodGet, url, prio, dest)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
	}()

	if !OK(resp.StatusCode) {
		return nil, fmt.Errorf("fetch %s: %w: %s", url, ErrStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("fetch %s: %w (limit %d)", url, ErrTooLarge, f.maxBytes)
	}
	return &Response{
		URL:    req.URL.String(),
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// NewRequest builds a request carrying the fetcher's headers and the hints.
func (f *Fetcher) NewRequest(ctx context.Context, method, url string, prio Priority, dest Destination) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if v := prio.HeaderValue(); v != "" {
		req.Header.Set(HeaderPriority, v)
	}
	if dest != DestinationEmpty {
		req.Header.Set(HeaderFetchDest, string(dest))
	}
	return req, nil
}

// OK reports whether status is in the 2xx range.
func OK(status int) bool {
	return status >= 200 && status <= 299
}
