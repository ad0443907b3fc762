// Package worker implements the offline cache worker.
//
// A Manager sits in a page client's transport as an http.RoundTripper. It
// owns two named cache generations, one for the application shell and one
// for images, populates them on Install, routes every request through a
// cache-first or network-first policy, and deletes stale generations on
// Activate. A Registration plays the host role: it installs new worker
// versions, activates them, and rebinds existing page clients.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/warmcache/cachestore"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/metrics"
)

// DefaultMaxEntryBytes is the largest response body the worker stores.
const DefaultMaxEntryBytes int64 = 32 << 20 // 32 MiB

// HeaderCache reports whether a response came from storage.
const HeaderCache = "X-Warmcache"

// Values of [HeaderCache].
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Host receives lifecycle signals from a Manager.
type Host interface {
	// SkipWaiting asks the host to activate the worker without waiting for
	// existing pages to close.
	SkipWaiting()

	// Claim asks the host to route every open page through the active worker.
	Claim()
}

type nopHost struct{}

func (nopHost) SkipWaiting() {}
func (nopHost) Claim()       {}

// Manager is one version of the cache worker.
type Manager struct {
	storage       cachestore.Storage
	cfg           Config
	base          *url.URL
	network       http.RoundTripper
	logger        *slog.Logger
	metrics       metrics.WorkerMetrics
	maxEntryBytes int64

	hostMu sync.Mutex
	host   Host
}

// Option configures a Manager.
type Option func(*Manager)

// WithNetwork sets the transport used to reach the network.
// Defaults to http.DefaultTransport.
func WithNetwork(rt http.RoundTripper) Option {
	return func(m *Manager) {
		m.network = rt
	}
}

// WithHost sets the receiver of SkipWaiting and Claim signals.
// A Registration replaces it when the Manager is registered.
func WithHost(h Host) Option {
	return func(m *Manager) {
		m.host = h
	}
}

// WithLogger sets the logger for routing and store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec metrics.WorkerMetrics) Option {
	return func(m *Manager) {
		m.metrics = rec
	}
}

// WithMaxEntryBytes sets the largest body stored from a runtime response.
// Larger responses are passed through uncached. Values <= 0 restore
// [DefaultMaxEntryBytes].
func WithMaxEntryBytes(n int64) Option {
	return func(m *Manager) {
		m.maxEntryBytes = n
	}
}

// New creates a Manager over storage.
func New(storage cachestore.Storage, cfg Config, opts ...Option) (*Manager, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := parseBase(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	cfg.ShellManifest = append([]string(nil), cfg.ShellManifest...)
	cfg.ImageManifest = append([]string(nil), cfg.ImageManifest...)

	m := &Manager{
		storage:       storage,
		cfg:           cfg,
		base:          base,
		network:       http.DefaultTransport,
		host:          nopHost{},
		logger:        slog.New(slog.DiscardHandler),
		maxEntryBytes: DefaultMaxEntryBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.network == nil {
		m.network = http.DefaultTransport
	}
	if m.host == nil {
		m.host = nopHost{}
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.maxEntryBytes <= 0 {
		m.maxEntryBytes = DefaultMaxEntryBytes
	}
	return m, nil
}

// Config returns the Manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Version identifies the Manager by its generation tags.
func (m *Manager) Version() string {
	return m.cfg.ShellTag + "+" + m.cfg.ImageTag
}

// Install opens both generations and populates them from their manifests.
//
// Each manifest is all-or-nothing: every resource is fetched before any is
// stored, and a failed write rolls back what the install wrote. On failure
// the returned error wraps [ErrInstall]. On success the host is asked to skip
// waiting. Installing again with the same manifests yields the same contents.
func (m *Manager) Install(ctx context.Context) error {
	start := time.Now()
	err := m.install(ctx)
	metrics.RecordInstall(m.metrics, err == nil, time.Since(start))
	if err != nil {
		m.logger.Warn("install failed",
			slog.String("version", m.Version()),
			slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrInstall, err)
	}
	m.logger.Info("installed",
		slog.String("version", m.Version()),
		slog.Int("shell", len(m.cfg.ShellManifest)),
		slog.Int("images", len(m.cfg.ImageManifest)),
		slog.Duration("elapsed", time.Since(start)))
	m.currentHost().SkipWaiting()
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	tiers := []struct {
		tag      string
		manifest []string
		dest     whttp.Destination
	}{
		{m.cfg.ShellTag, m.cfg.ShellManifest, whttp.DestinationEmpty},
		{m.cfg.ImageTag, m.cfg.ImageManifest, whttp.DestinationImage},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tier := range tiers {
		g.Go(func() error {
			urls, err := resolve(m.base, tier.manifest)
			if err != nil {
				return fmt.Errorf("%s: %w", tier.tag, err)
			}
			gen, err := m.storage.Open(gctx, tier.tag)
			if err != nil {
				return fmt.Errorf("%s: open: %w", tier.tag, err)
			}
			if err := cachestore.AddAll(gctx, gen, m.fetchEntry(tier.dest), urls); err != nil {
				return fmt.Errorf("%s: %w", tier.tag, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) fetchEntry(dest whttp.Destination) cachestore.FetchFunc {
	fetcher := whttp.NewFetcher(
		whttp.WithClient(&http.Client{Transport: m.network}),
		whttp.WithMaxBytes(m.maxEntryBytes),
	)
	return func(ctx context.Context, rawURL string) (*cachestore.Entry, error) {
		resp, err := fetcher.Fetch(ctx, rawURL, whttp.PriorityAuto, dest)
		if err != nil {
			return nil, err
		}
		return cachestore.NewEntry(resp.URL, resp.Status, resp.Header, resp.Body), nil
	}
}

// Activate deletes every generation other than the two current ones and
// asks the host to claim open pages. It returns the deleted names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	for _, tag := range []string{m.cfg.ShellTag, m.cfg.ImageTag} {
		if _, err := m.storage.Open(ctx, tag); err != nil {
			return nil, fmt.Errorf("activate: open %s: %w", tag, err)
		}
	}
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("activate: list generations: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if name == m.cfg.ShellTag || name == m.cfg.ImageTag {
			continue
		}
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			metrics.RecordActivate(m.metrics, len(deleted))
			return deleted, fmt.Errorf("activate: delete %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	metrics.RecordActivate(m.metrics, len(deleted))
	m.logger.Info("activated",
		slog.String("version", m.Version()),
		slog.Any("deleted", deleted))
	m.currentHost().Claim()
	return deleted, nil
}

func (m *Manager) setHost(h Host) {
	m.hostMu.Lock()
	m.host = h
	m.hostMu.Unlock()
}

func (m *Manager) currentHost() Host {
	m.hostMu.Lock()
	defer m.hostMu.Unlock()
	return m.host
}

// RoundTrip implements http.RoundTripper.
//
// GET requests to the worker's origin are routed by resource type. Images,
// identified by Sec-Fetch-Dest or an /images/ path, are cache-first.
// Everything else is network-first with a cached fallback. Other requests
// go straight to the network.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !m.sameOrigin(req.URL) {
		metrics.RecordRoute(m.metrics, metrics.RoutePassthrough)
		return m.network.RoundTrip(req)
	}
	key, err := cachestore.RequestKey(req)
	if err != nil {
		metrics.RecordRoute(m.metrics, metrics.RoutePassthrough)
		return m.network.RoundTrip(req)
	}
	if IsImageRequest(req) {
		return m.cacheFirst(req, key)
	}
	return m.networkFirst(req, key)
}

// IsImageRequest reports whether req is routed cache-first.
func IsImageRequest(req *http.Request) bool {
	if req.Header.Get(whttp.HeaderFetchDest) == string(whttp.DestinationImage) {
		return true
	}
	return strings.Contains(req.URL.Path, "/images/")
}

func (m *Manager) sameOrigin(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Scheme, m.base.Scheme) && strings.EqualFold(u.Host, m.base.Host)
}

func (m *Manager) cacheFirst(req *http.Request, key string) (*http.Response, error) {
	ctx := req.Context()
	if e, ok := m.matchImage(ctx, key); ok {
		metrics.RecordRoute(m.metrics, metrics.RouteCacheHit)
		m.logger.Debug("cache hit", slog.String("url", key))
		return cachedResponse(req, e), nil
	}

	resp, err := m.network.RoundTrip(req)
	if err == nil {
		resp, err = m.storeCopy(req, key, m.cfg.ImageTag, resp)
	}
	if err != nil {
		metrics.RecordRoute(m.metrics, metrics.RouteFailure)
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, key, err)
	}
	metrics.RecordRoute(m.metrics, metrics.RouteCacheMiss)
	return resp, nil
}

func (m *Manager) matchImage(ctx context.Context, key string) (*cachestore.Entry, bool) {
	gen, err := m.storage.Open(ctx, m.cfg.ImageTag)
	if err == nil {
		if e, ok := gen.Match(ctx, key); ok {
			return e, true
		}
	}
	return m.storage.Match(ctx, key)
}

func (m *Manager) networkFirst(req *http.Request, key string) (*http.Response, error) {
	resp, err := m.network.RoundTrip(req)
	if err == nil {
		resp, err = m.storeCopy(req, key, m.cfg.ShellTag, resp)
	}
	if err == nil {
		metrics.RecordRoute(m.metrics, metrics.RouteNetwork)
		return resp, nil
	}

	if e, ok := m.storage.Match(context.WithoutCancel(req.Context()), key); ok {
		metrics.RecordRoute(m.metrics, metrics.RouteFallback)
		m.logger.Debug("network failed, serving cached response",
			slog.String("url", key),
			slog.Any("error", err))
		return cachedResponse(req, e), nil
	}
	metrics.RecordRoute(m.metrics, metrics.RouteFailure)
	return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, key, err)
}

// storeCopy writes a successful response into the named generation and
// returns a response the caller can read. Non-2xx responses are returned
// untouched. Store failures are logged and never fail the request. The only
// error returned is a failure reading the body from the network.
func (m *Manager) storeCopy(req *http.Request, key, tag string, resp *http.Response) (*http.Response, error) {
	resp.Header.Set(HeaderCache, CacheMiss)
	if !whttp.OK(resp.StatusCode) {
		return resp, nil
	}
	if resp.ContentLength > m.maxEntryBytes {
		m.skipStore(tag, key, "too_large")
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, m.maxEntryBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > m.maxEntryBytes {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		m.skipStore(tag, key, "too_large")
		return resp, nil
	}
	_ = resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	header := resp.Header.Clone()
	header.Del(HeaderCache)
	entry := cachestore.NewEntry(key, resp.StatusCode, header, body)
	ctx := context.WithoutCancel(req.Context())
	gen, err := m.storage.Open(ctx, tag)
	if err == nil {
		err = gen.Put(ctx, key, entry)
	}
	if err != nil {
		reason := "error"
		if errors.Is(err, cachestore.ErrQuotaExceeded) {
			reason = "quota"
		}
		metrics.RecordStoreFailure(m.metrics, tag, reason)
		m.logger.Warn("failed to store response",
			slog.String("generation", tag),
			slog.String("url", key),
			slog.Any("error", err))
	}
	return resp, nil
}

func (m *Manager) skipStore(tag, key, reason string) {
	metrics.RecordStoreFailure(m.metrics, tag, reason)
	m.logger.Debug("response not stored",
		slog.String("generation", tag),
		slog.String("url", key),
		slog.String("reason", reason))
}

func cachedResponse(req *http.Request, e *cachestore.Entry) *http.Response {
	resp := e.Response(req)
	resp.Header.Set(HeaderCache, CacheHit)
	age := max(time.Since(e.StoredAt), 0)
	resp.Header.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
	return resp
}
