// Package testutil provides image fixtures and a counting origin server for
// tests.
package testutil

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// PNG returns a w×h PNG filled with c.
func PNG(tb testing.TB, w, h int, c color.Color) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, fill(w, h, c)); err != nil {
		tb.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// JPEG returns a w×h JPEG filled with c.
func JPEG(tb testing.TB, w, h int, c color.Color) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fill(w, h, c), nil); err != nil {
		tb.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// GIF returns a w×h GIF filled with c.
func GIF(tb testing.TB, w, h int, c color.Color) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, fill(w, h, c), nil); err != nil {
		tb.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func fill(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

// Resource is a response served by an Origin.
type Resource struct {
	Body        []byte
	ContentType string

	// Status defaults to 200.
	Status int

	// Delay holds the response back until it elapses or the request is
	// cancelled.
	Delay time.Duration
}

// Origin is an httptest server that serves fixed resources by path and
// counts requests. Unknown paths answer 404.
type Origin struct {
	*httptest.Server

	mu        sync.Mutex
	resources map[string]Resource
	hits      map[string]int
	headers   map[string]http.Header
}

// NewOrigin starts an Origin and closes it when the test ends.
func NewOrigin(tb testing.TB, resources map[string]Resource) *Origin {
	tb.Helper()
	o := &Origin{
		resources: make(map[string]Resource, len(resources)),
		hits:      make(map[string]int),
		headers:   make(map[string]http.Header),
	}
	for path, r := range resources {
		o.resources[path] = r
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	tb.Cleanup(o.Close)
	return o
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.headers[r.URL.Path] = r.Header.Clone()
	res, ok := o.resources[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if res.Delay > 0 {
		timer := time.NewTimer(res.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-r.Context().Done():
			return
		}
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Body)
}

// Set adds or replaces the resource at path.
func (o *Origin) Set(path string, r Resource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resources[path] = r
}

// Remove makes path answer 404.
func (o *Origin) Remove(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.resources, path)
}

// Hits returns the number of requests received for path.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// TotalHits returns the number of requests received for any path.
func (o *Origin) TotalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0
	for _, n := range o.hits {
		total += n
	}
	return total
}

// LastHeader returns the headers of the last request for path, or nil.
func (o *Origin) LastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[path].Clone()
}

// ResetHits clears all request counts.
func (o *Origin) ResetHits() {
	o.mu.Lock()
	defer o.mu.Unlock()
	clear(o.hits)
}

// URL returns the absolute URL of path on the origin.
func (o *Origin) URL(path string) string {
	return o.Server.URL + path
}

// ErrOffline is returned by OfflineTransport.
var ErrOffline = errors.New("testutil: network offline")

// OfflineTransport fails every request with ErrOffline.
type OfflineTransport struct{}

// RoundTrip implements http.RoundTripper.
func (OfflineTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, ErrOffline
}

// SwitchTransport forwards to Base until SetOffline(true) is called.
type SwitchTransport struct {
	Base http.RoundTripper

	mu      sync.Mutex
	offline bool
}

// SetOffline toggles whether requests fail with ErrOffline.
func (t *SwitchTransport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

// RoundTrip implements http.RoundTripper.
func (t *SwitchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	offline := t.offline
	t.mu.Unlock()
	if offline {
		return nil, ErrOffline
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
