package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	"net/http/httptest"
	"slices"
	"time"

	"github.com/meigma/warmcache"
	"github.com/meigma/warmcache/cachestore"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/worker"
)

// site is the origin being profiled and the image URLs it serves.
type site struct {
	base   string
	paths  []string
	urls   []string
	bytes  int64
	client *http.Client
	close  func()
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSite(cfg config) (*site, error) {
	s := &site{
		base:   cfg.originURL,
		paths:  warmcache.DefaultImageManifest,
		client: newHTTPClient(cfg),
		close:  func() {},
	}
	if s.base == "" {
		images, err := makeImages(cfg.images, cfg.imageSize, cfg.pattern, cfg.randomSeed)
		if err != nil {
			return nil, err
		}
		mux := http.NewServeMux()
		s.paths = s.paths[:0:0]
		for path, body := range images {
			mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
				http.ServeContent(w, r, path, time.Time{}, bytes.NewReader(body))
			})
			s.paths = append(s.paths, path)
		}
		slices.Sort(s.paths)
		server := httptest.NewServer(mux)
		s.base = server.URL + "/"
		s.close = server.Close
	}

	urls, err := warmcache.Resolve(s.base, s.paths)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.urls = urls
	for _, u := range urls {
		n, err := get(context.Background(), s.client, u)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("probe origin: %w", err)
		}
		s.bytes += n
	}
	return s, nil
}

func (s *site) Close() {
	s.close()
}

// manager returns a worker whose shell is empty and whose image tier is
// every site image.
func (s *site) manager(store cachestore.Storage) (*worker.Manager, error) {
	cfg := warmcache.DefaultWorkerConfig(s.base)
	cfg.ShellManifest = nil
	cfg.ImageManifest = s.paths
	return worker.New(store, cfg, worker.WithNetwork(s.client.Transport))
}

func (s *site) preload(ctx context.Context, client *http.Client, concurrency int) (int64, error) {
	loader := preload.NewLoader(
		preload.WithClient(client),
		preload.WithConcurrency(concurrency),
	)
	outcomes := preload.Stage(ctx, loader, s.urls, nil)
	sinkOutcome = outcomes
	for _, o := range outcomes {
		if !o.Success {
			return 0, fmt.Errorf("preload %s: %w", o.URL, o.Err)
		}
	}
	var n int64
	for _, u := range loader.Map().URLs() {
		if img, ok := loader.Map().Get(u); ok {
			n += int64(len(img.Bytes()))
		}
	}
	return n, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newHTTPClient(cfg config) *http.Client {
	transport := http.DefaultTransport
	if base, ok := transport.(*http.Transport); ok {
		transport = base.Clone()
	}
	if cfg.originLatency > 0 || cfg.originBPS > 0 {
		transport = &whttp.Throttle{
			Base:           transport,
			Latency:        cfg.originLatency,
			BytesPerSecond: cfg.originBPS,
		}
	}
	return &http.Client{Transport: transport}
}

// makeImages returns count square PNGs keyed by URL path.
func makeImages(count, size int, pattern string, seed int64) (map[string][]byte, error) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	images := make(map[string][]byte, count)
	for i := range count {
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		switch pattern {
		case "random":
			if _, err := rng.Read(img.Pix); err != nil {
				return nil, err
			}
		default:
			fill := color.NRGBA{R: uint8(i * 37), G: uint8(i * 11), B: 0x80, A: 0xff} //nolint:gosec // wraparound is fine for fill colors
			for p := 0; p < len(img.Pix); p += 4 {
				img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = fill.R, fill.G, fill.B, fill.A
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		images[fmt.Sprintf("/assets/images/%d.png", i+1)] = buf.Bytes()
	}
	return images, nil
}
