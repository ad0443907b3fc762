// Package preload loads page images ahead of display.
//
// A Loader fetches images with fetch-priority hints, validates or decodes
// them, and records successful loads in a Map shared with the slideshow.
// Stage runs the page's staging protocol: the first image is loaded alone
// at the highest priority so it can be shown at once, while the whole set
// loads in the background.
package preload

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/metrics"
)

// DefaultHighPriorityCount is how many leading images LoadAll marks high priority.
const DefaultHighPriorityCount = 3

// Outcome is the result of one load in LoadAll.
type Outcome struct {
	URL     string
	Success bool
	Index   int
	Err     error
}

// Loader fetches and decodes images.
type Loader struct {
	fetcher     *whttp.Fetcher
	images      *Map
	highCount   int
	concurrency int
	logger      *slog.Logger
	metrics     metrics.PreloadMetrics

	group singleflight.Group
}

// Option configures a Loader.
type Option func(*Loader)

// WithClient sets the HTTP client used to fetch images.
func WithClient(client *http.Client) Option {
	return func(l *Loader) {
		l.fetcher = whttp.NewFetcher(whttp.WithClient(client))
	}
}

// WithFetcher sets the fetcher used to fetch images.
func WithFetcher(f *whttp.Fetcher) Option {
	return func(l *Loader) {
		l.fetcher = f
	}
}

// WithMap sets the map that receives loaded images.
func WithMap(m *Map) Option {
	return func(l *Loader) {
		l.images = m
	}
}

// WithHighPriorityCount sets how many leading images LoadAll marks high
// priority. Negative values are treated as 0.
func WithHighPriorityCount(n int) Option {
	return func(l *Loader) {
		l.highCount = max(n, 0)
	}
}

// WithConcurrency bounds the number of loads LoadAll runs at once.
// Values <= 0 mean unbounded.
func WithConcurrency(n int) Option {
	return func(l *Loader) {
		l.concurrency = n
	}
}

// WithLogger sets the logger for load failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.PreloadMetrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		highCount: DefaultHighPriorityCount,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.fetcher == nil {
		l.fetcher = whttp.NewFetcher()
	}
	if l.images == nil {
		l.images = NewMap()
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l
}

// Map returns the map that receives loaded images.
func (l *Loader) Map() *Map {
	return l.images
}

// LoadPriority loads url at the highest priority with synchronous decode.
// It returns nil if the load failed; on success the image is in the Map.
func (l *Loader) LoadPriority(ctx context.Context, url string) *Image {
	img, err := l.Load(ctx, url, whttp.PriorityHighest, DecodeSync)
	if err != nil {
		return nil
	}
	return img
}

// LoadAll loads every URL concurrently with asynchronous decode and returns
// once all loads have settled. The first loads up to the high priority count
// are marked high priority. Outcomes are in input order. A failed load does
// not affect the others.
func (l *Loader) LoadAll(ctx context.Context, urls []string) []Outcome {
	outcomes := make([]Outcome, len(urls))
	var g errgroup.Group
	if l.concurrency > 0 {
		g.SetLimit(l.concurrency)
	}
	for i, u := range urls {
		prio := whttp.PriorityAuto
		if i < l.highCount {
			prio = whttp.PriorityHigh
		}
		g.Go(func() error {
			_, err := l.Load(ctx, u, prio, DecodeAsync)
			outcomes[i] = Outcome{URL: u, Success: err == nil, Index: i, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Fetch loads url at the default priority with synchronous decode.
// It is the on-demand fallback used when an image was not preloaded.
func (l *Loader) Fetch(ctx context.Context, url string) (*Image, error) {
	return l.Load(ctx, url, whttp.PriorityAuto, DecodeSync)
}

// Load fetches url and records it in the Map.
//
// An image already in the Map is returned without fetching. Concurrent
// loads of the same URL share one request. Errors wrap [ErrLoadFailed].
func (l *Loader) Load(ctx context.Context, url string, prio whttp.Priority, mode DecodeMode) (*Image, error) {
	start := time.Now()
	img, err := l.load(ctx, url, prio)
	if err == nil && mode == DecodeSync {
		_, err = img.Decode()
	}
	metrics.RecordLoad(l.metrics, prio.String(), err == nil, time.Since(start))
	if err != nil {
		l.logger.Debug("image load failed",
			slog.String("url", url),
			slog.String("priority", prio.String()),
			slog.Any("error", err))
		return nil, err
	}
	return l.images.Store(img), nil
}

func (l *Loader) load(ctx context.Context, url string, prio whttp.Priority) (*Image, error) {
	if img, ok := l.images.Get(url); ok {
		return img, nil
	}
	v, err, _ := l.group.Do(url, func() (any, error) {
		resp, err := l.fetcher.Fetch(ctx, url, prio, whttp.DestinationImage)
		if err != nil {
			return nil, wrapLoad(url, err)
		}
		return newImage(url, resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Image), nil
}
