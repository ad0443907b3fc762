package preload_test

import (
	"fmt"
	"image/color"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/preload"
)

func TestMapKeepsFirstHandle(t *testing.T) {
	t.Parallel()

	u := imageURL("1.png")
	rt := testutil.NewStaticTransport(map[string]testutil.Resource{
		u: {Body: testutil.PNG(t, 1, 1, color.White)},
	})
	m := preload.NewMap()
	a := preload.NewLoader(preload.WithMap(m), preload.WithClient(&http.Client{Transport: rt}))
	b := preload.NewLoader(preload.WithMap(m), preload.WithClient(&http.Client{Transport: rt}))

	first, err := a.Fetch(t.Context(), u)
	require.NoError(t, err)
	second, err := b.Fetch(t.Context(), u)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, []string{u}, m.URLs())
}

func TestMapConcurrentLoads(t *testing.T) {
	t.Parallel()

	png := testutil.PNG(t, 1, 1, color.White)
	res := make(map[string]testutil.Resource)
	var urls []string
	for i := range 20 {
		u := imageURL(fmt.Sprintf("%d.png", i))
		urls = append(urls, u)
		res[u] = testutil.Resource{Body: png}
	}
	l := newLoader(testutil.NewStaticTransport(res))

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() { l.LoadAll(t.Context(), urls) })
	}
	wg.Wait()
	assert.Equal(t, len(urls), l.Map().Len())
	assert.ElementsMatch(t, urls, l.Map().URLs())
}
