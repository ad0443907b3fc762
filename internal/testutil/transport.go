package testutil

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// StaticTransport answers requests from memory without touching the
// network, which makes it usable inside testing/synctest bubbles. Unknown
// URLs answer 404.
type StaticTransport struct {
	mu        sync.Mutex
	resources map[string]Resource
	gates     map[string]chan struct{}
	calls     map[string]int
	headers   map[string]http.Header
}

// NewStaticTransport creates a transport serving resources keyed by
// absolute URL.
func NewStaticTransport(resources map[string]Resource) *StaticTransport {
	t := &StaticTransport{
		resources: make(map[string]Resource, len(resources)),
		gates:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
		headers:   make(map[string]http.Header),
	}
	for u, r := range resources {
		t.resources[u] = r
	}
	return t
}

// Gate holds responses for rawURL until the returned release is called.
func (t *StaticTransport) Gate(rawURL string) (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.gates[rawURL] = ch
	t.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Calls returns the number of requests made for rawURL.
func (t *StaticTransport) Calls(rawURL string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[rawURL]
}

// Header returns the headers of the last request for rawURL.
func (t *StaticTransport) Header(rawURL string) http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headers[rawURL].Clone()
}

// RoundTrip implements http.RoundTripper.
func (t *StaticTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	key := req.URL.String()
	t.mu.Lock()
	t.calls[key]++
	t.headers[key] = req.Header.Clone()
	res, ok := t.resources[key]
	gate := t.gates[key]
	t.mu.Unlock()

	ctx := req.Context()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ok && res.Delay > 0 {
		timer := time.NewTimer(res.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	status := res.Status
	body := res.Body
	if !ok {
		status = http.StatusNotFound
		body = []byte("404 page not found\n")
	} else if status == 0 {
		status = http.StatusOK
	}
	header := make(http.Header)
	if res.ContentType != "" {
		header.Set("Content-Type", res.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
