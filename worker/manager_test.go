package worker_test

import (
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/memory"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/worker"
)

const (
	shellTag = "cafe-shell-v2"
	imageTag = "cafe-images-v1"
)

type recordingHost struct {
	skips  atomic.Int32
	claims atomic.Int32
}

func (h *recordingHost) SkipWaiting() { h.skips.Add(1) }
func (h *recordingHost) Claim()       { h.claims.Add(1) }

func newSite(t *testing.T) *testutil.Origin {
	t.Helper()
	img := testutil.PNG(t, 2, 2, color.White)
	res := map[string]testutil.Resource{
		"/":                     {Body: []byte("<html>root</html>"), ContentType: "text/html"},
		"/index.html":           {Body: []byte("<html>index</html>"), ContentType: "text/html"},
		"/assets/css/style.css": {Body: []byte("body{}"), ContentType: "text/css"},
		"/assets/js/app.js":     {Body: []byte("void 0"), ContentType: "text/javascript"},
		"/assets/images/1.png":  {Body: img, ContentType: "image/png"},
	}
	for _, n := range []string{"2", "3", "7"} {
		res["/assets/images/"+n+".webp"] = testutil.Resource{Body: []byte("webp-" + n), ContentType: "image/webp"}
	}
	return testutil.NewOrigin(t, res)
}

func siteConfig(origin *testutil.Origin) worker.Config {
	return worker.Config{
		ShellTag:      shellTag,
		ImageTag:      imageTag,
		ShellManifest: []string{"/", "/index.html", "/assets/css/style.css", "/assets/js/app.js", "/assets/images/1.png"},
		ImageManifest: []string{"/assets/images/2.webp", "/assets/images/3.webp"},
		BaseURL:       origin.URL("/"),
	}
}

func newManager(t *testing.T, storage cachestore.Storage, cfg worker.Config, opts ...worker.Option) *worker.Manager {
	t.Helper()
	m, err := worker.New(storage, cfg, opts...)
	require.NoError(t, err)
	return m
}

func keys(t *testing.T, s cachestore.Storage, name string) []string {
	t.Helper()
	g, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	k, err := g.Keys(context.Background())
	require.NoError(t, err)
	return k
}

func get(t *testing.T, client *http.Client, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	good := worker.Config{ShellTag: "a", ImageTag: "b", BaseURL: "https://example.test/"}
	tests := []struct {
		name   string
		mutate func(*worker.Config)
	}{
		{"empty shell tag", func(c *worker.Config) { c.ShellTag = "" }},
		{"same tags", func(c *worker.Config) { c.ImageTag = c.ShellTag }},
		{"relative base", func(c *worker.Config) { c.BaseURL = "/site" }},
		{"slash in tag", func(c *worker.Config) { c.ImageTag = "a/b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := good
			tt.mutate(&cfg)
			_, err := worker.New(memory.New(), cfg)
			require.ErrorIs(t, err, worker.ErrInvalidConfig)
		})
	}

	_, err := worker.New(nil, good)
	require.ErrorIs(t, err, worker.ErrInvalidConfig)
}

func TestInstallPopulatesBothGenerations(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	store := memory.New()
	host := &recordingHost{}
	m := newManager(t, store, siteConfig(origin), worker.WithHost(host))

	require.NoError(t, m.Install(t.Context()))
	assert.Equal(t, int32(1), host.skips.Load())

	assert.Len(t, keys(t, store, shellTag), 5)
	assert.Equal(t, []string{origin.URL("/assets/images/2.webp"), origin.URL("/assets/images/3.webp")}, keys(t, store, imageTag))

	e, ok := store.Match(t.Context(), origin.URL("/index.html"))
	require.True(t, ok)
	assert.Equal(t, "<html>index</html>", string(e.Body))
	assert.Equal(t, "image", origin.LastHeader("/assets/images/2.webp").Get(whttp.HeaderFetchDest))
}

func TestInstallIsIdempotent(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))

	require.NoError(t, m.Install(t.Context()))
	shell := keys(t, store, shellTag)
	images := keys(t, store, imageTag)
	size := store.SizeBytes()

	require.NoError(t, m.Install(t.Context()))
	assert.Equal(t, shell, keys(t, store, shellTag))
	assert.Equal(t, images, keys(t, store, imageTag))
	assert.Equal(t, size, store.SizeBytes())
}

func TestInstallFailureIsAllOrNothing(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	origin.Remove("/assets/images/3.webp")
	store := memory.New()
	host := &recordingHost{}
	m := newManager(t, store, siteConfig(origin), worker.WithHost(host))

	err := m.Install(t.Context())
	require.ErrorIs(t, err, worker.ErrInstall)
	require.ErrorIs(t, err, whttp.ErrStatus)
	assert.Contains(t, err.Error(), "3.webp")
	assert.Zero(t, host.skips.Load())

	// 2.webp was fetched successfully but must not have leaked in.
	assert.Empty(t, keys(t, store, imageTag))
	_, ok := store.Match(t.Context(), origin.URL("/assets/images/2.webp"))
	assert.False(t, ok)
}

func TestInstallFailureKeepsPreviousContents(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))
	require.NoError(t, m.Install(t.Context()))

	origin.Set("/index.html", testutil.Resource{Body: []byte("<html>new</html>")})
	origin.Remove("/assets/js/app.js")
	require.ErrorIs(t, m.Install(t.Context()), worker.ErrInstall)

	e, ok := store.Match(t.Context(), origin.URL("/index.html"))
	require.True(t, ok)
	assert.Equal(t, "<html>index</html>", string(e.Body))
}

func TestCacheFirstFetchesOnce(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))
	client := &http.Client{Transport: m}
	target := origin.URL("/assets/images/7.webp")

	resp, body := get(t, client, target)
	assert.Equal(t, "webp-7", body)
	assert.Equal(t, worker.CacheMiss, resp.Header.Get(worker.HeaderCache))
	assert.Equal(t, 1, origin.Hits("/assets/images/7.webp"))
	assert.Equal(t, []string{target}, keys(t, store, imageTag))

	resp, body = get(t, client, target)
	assert.Equal(t, "webp-7", body)
	assert.Equal(t, worker.CacheHit, resp.Header.Get(worker.HeaderCache))
	assert.NotEmpty(t, resp.Header.Get("Age"))
	assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, origin.Hits("/assets/images/7.webp"))
}

func TestCacheFirstUsesDeclaredDestination(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	origin.Set("/logo", testutil.Resource{Body: []byte("logo")})
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))
	client := &http.Client{Transport: m}

	for range 2 {
		req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, origin.URL("/logo"), nil)
		require.NoError(t, err)
		req.Header.Set(whttp.HeaderFetchDest, "image")
		resp, err := client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	assert.Equal(t, 1, origin.Hits("/logo"))
	assert.Len(t, keys(t, store, imageTag), 1)
}

func TestCacheFirstServesInstalledImagesOffline(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	network := &testutil.SwitchTransport{}
	store := memory.New()
	m := newManager(t, store, siteConfig(origin), worker.WithNetwork(network))
	require.NoError(t, m.Install(t.Context()))

	network.SetOffline(true)
	client := &http.Client{Transport: m}

	// 1.png lives in the shell generation; cache-first still finds it.
	resp, _ := get(t, client, origin.URL("/assets/images/1.png"))
	assert.Equal(t, worker.CacheHit, resp.Header.Get(worker.HeaderCache))
	_, body := get(t, client, origin.URL("/assets/images/2.webp"))
	assert.Equal(t, "webp-2", body)

	_, err := client.Get(origin.URL("/assets/images/7.webp"))
	require.ErrorIs(t, err, worker.ErrNetwork)
	require.ErrorIs(t, err, testutil.ErrOffline)
}

func TestNetworkFirstStoresAndFallsBack(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	network := &testutil.SwitchTransport{}
	store := memory.New()
	m := newManager(t, store, siteConfig(origin), worker.WithNetwork(network))
	client := &http.Client{Transport: m}
	target := origin.URL("/menu.json")
	origin.Set("/menu.json", testutil.Resource{Body: []byte(`{"v":1}`), ContentType: "application/json"})

	resp, body := get(t, client, target)
	assert.Equal(t, `{"v":1}`, body)
	assert.Equal(t, worker.CacheMiss, resp.Header.Get(worker.HeaderCache))
	assert.Equal(t, []string{target}, keys(t, store, shellTag))

	// Network-first always asks the network while it is up.
	origin.Set("/menu.json", testutil.Resource{Body: []byte(`{"v":2}`)})
	_, body = get(t, client, target)
	assert.Equal(t, `{"v":2}`, body)
	assert.Equal(t, 2, origin.Hits("/menu.json"))

	network.SetOffline(true)
	resp, body = get(t, client, target)
	assert.Equal(t, `{"v":2}`, body)
	assert.Equal(t, worker.CacheHit, resp.Header.Get(worker.HeaderCache))
	assert.Equal(t, 2, origin.Hits("/menu.json"))
}

func TestNetworkFirstFailsWithoutFallback(t *testing.T) {
	t.Parallel()

	m := newManager(t, memory.New(), worker.Config{
		ShellTag: shellTag,
		ImageTag: imageTag,
		BaseURL:  "https://cafe.example/",
	}, worker.WithNetwork(testutil.OfflineTransport{}))

	_, err := (&http.Client{Transport: m}).Get("https://cafe.example/index.html")
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrNetwork))
	assert.True(t, errors.Is(err, testutil.ErrOffline))
}

func TestNetworkFirstDoesNotStoreErrors(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	origin.Set("/broken", testutil.Resource{Body: []byte("oops"), Status: http.StatusInternalServerError})
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))
	client := &http.Client{Transport: m}

	resp, body := get(t, client, origin.URL("/broken"))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "oops", body)
	resp, _ = get(t, client, origin.URL("/missing"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, keys(t, store, shellTag))
}

func TestStoreFailureDoesNotFailRequest(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	store := memory.New(memory.WithMaxBytes(1))
	m := newManager(t, store, siteConfig(origin))
	client := &http.Client{Transport: m}

	resp, body := get(t, client, origin.URL("/assets/images/7.webp"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "webp-7", body)
	assert.Empty(t, keys(t, store, imageTag))

	_, body = get(t, client, origin.URL("/index.html"))
	assert.Equal(t, "<html>index</html>", body)
}

func TestLargeResponsesStreamUncached(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	big := strings.Repeat("x", 100)
	origin.Set("/big.txt", testutil.Resource{Body: []byte(big)})
	store := memory.New()
	m := newManager(t, store, siteConfig(origin), worker.WithMaxEntryBytes(10))

	_, body := get(t, &http.Client{Transport: m}, origin.URL("/big.txt"))
	assert.Equal(t, big, body)
	assert.Empty(t, keys(t, store, shellTag))
}

func TestPassthrough(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	other := testutil.NewOrigin(t, map[string]testutil.Resource{
		"/images/x.png": {Body: []byte("elsewhere")},
	})
	store := memory.New()
	m := newManager(t, store, siteConfig(origin))
	client := &http.Client{Transport: m}

	resp, err := client.Post(origin.URL("/index.html"), "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, resp.Header.Get(worker.HeaderCache))

	_, body := get(t, client, other.URL("/images/x.png"))
	assert.Equal(t, "elsewhere", body)
	_, body = get(t, client, other.URL("/images/x.png"))
	assert.Equal(t, "elsewhere", body)
	assert.Equal(t, 2, other.Hits("/images/x.png"))

	names, err := store.Names(t.Context())
	require.NoError(t, err)
	for _, name := range names {
		assert.Empty(t, keys(t, store, name))
	}
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := newSite(t)
	store := memory.New()
	for _, stale := range []string{"cafe-shell-v1", "cafe-images-v0", "unrelated"} {
		g, err := store.Open(ctx, stale)
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, "https://old.example/", cachestore.NewEntry("https://old.example/", 200, nil, []byte("old"))))
	}
	host := &recordingHost{}
	m := newManager(t, store, siteConfig(origin), worker.WithHost(host))

	deleted, err := m.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cafe-shell-v1", "cafe-images-v0", "unrelated"}, deleted)
	assert.Equal(t, int32(1), host.claims.Load())

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{shellTag, imageTag}, names)

	deleted, err = m.Activate(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}
