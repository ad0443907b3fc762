package worker_test

import (
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/cachestore/memory"
	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/worker"
)

func TestRegisterActivatesFirstWorker(t *testing.T) {
	t.Parallel()

	origin := newSite(t)
	reg := worker.NewRegistration(nil)

	uncontrolled := reg.Client()
	assert.Nil(t, reg.Controller(uncontrolled))
	resp, _ := get(t, uncontrolled, origin.URL("/index.html"))
	assert.Empty(t, resp.Header.Get(worker.HeaderCache))

	m := newManager(t, memory.New(), siteConfig(origin))
	require.NoError(t, reg.Register(t.Context(), m))
	assert.Same(t, m, reg.Active())
	assert.Nil(t, reg.Waiting())

	// Claim during activation took over the existing client.
	assert.Same(t, m, reg.Controller(uncontrolled))
	resp, _ = get(t, uncontrolled, origin.URL("/index.html"))
	assert.Equal(t, worker.CacheMiss, resp.Header.Get(worker.HeaderCache))
}

func TestRegisterReplacesWorkerAndClaimsClients(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := newSite(t)
	store := memory.New()
	reg := worker.NewRegistration(nil)

	v1cfg := siteConfig(origin)
	v1cfg.ShellTag = "cafe-shell-v1"
	v1 := newManager(t, store, v1cfg)
	require.NoError(t, reg.Register(ctx, v1))
	client := reg.Client()
	assert.Same(t, v1, reg.Controller(client))

	v2 := newManager(t, store, siteConfig(origin))
	require.NoError(t, reg.Register(ctx, v2))
	assert.Same(t, v2, reg.Active())
	assert.Same(t, v2, reg.Controller(client))

	names, err := store.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{shellTag, imageTag}, names)
}

func TestRegisterKeepsActiveWorkerOnInstallFailure(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := newSite(t)
	store := memory.New()
	reg := worker.NewRegistration(nil)

	v1 := newManager(t, store, siteConfig(origin))
	require.NoError(t, reg.Register(ctx, v1))
	client := reg.Client()

	broken := siteConfig(origin)
	broken.ShellTag = "cafe-shell-v3"
	broken.ShellManifest = append(broken.ShellManifest, "/does-not-exist")
	v3 := newManager(t, store, broken)

	err := reg.Register(ctx, v3)
	require.ErrorIs(t, err, worker.ErrInstall)
	assert.Same(t, v1, reg.Active())
	assert.Nil(t, reg.Waiting())
	assert.Same(t, v1, reg.Controller(client))

	// The old generations are still served.
	network := &testutil.SwitchTransport{}
	offline := newManager(t, store, siteConfig(origin), worker.WithNetwork(network))
	network.SetOffline(true)
	_, body := get(t, &http.Client{Transport: offline}, origin.URL("/index.html"))
	assert.Equal(t, "<html>index</html>", body)
}

func TestActivateWaitingWithoutWorker(t *testing.T) {
	t.Parallel()

	reg := worker.NewRegistration(testutil.OfflineTransport{})
	require.NoError(t, reg.ActivateWaiting(t.Context()))
	assert.Nil(t, reg.Active())

	_, err := reg.Client().Get("https://cafe.example/")
	require.ErrorIs(t, err, testutil.ErrOffline)
}

func TestReregisterWhileActivating(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := newSite(t)
	m := newManager(t, memory.New(), siteConfig(origin))
	first := worker.NewRegistration(nil)
	second := worker.NewRegistration(nil)
	require.NoError(t, first.Register(ctx, m))

	var wg sync.WaitGroup
	wg.Go(func() {
		for range 5 {
			_, err := m.Activate(ctx)
			assert.NoError(t, err)
		}
	})
	wg.Go(func() {
		assert.NoError(t, second.Register(ctx, m))
	})
	wg.Wait()

	assert.Same(t, m, first.Active())
	assert.Same(t, m, second.Active())
}
