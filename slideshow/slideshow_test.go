package slideshow_test

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/slideshow"
)

const base = "https://cafe.example/assets/images/"

type call struct {
	op  string
	url string
	img bool
	at  time.Duration
}

type fakeDisplay struct {
	start time.Time

	mu    sync.Mutex
	calls []call
}

func newDisplay() *fakeDisplay { return &fakeDisplay{start: time.Now()} }

func (d *fakeDisplay) add(c call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c.at = time.Since(d.start)
	d.calls = append(d.calls, c)
}

func (d *fakeDisplay) FadeOut()   { d.add(call{op: "fade"}) }
func (d *fakeDisplay) ClearFade() { d.add(call{op: "clear"}) }
func (d *fakeDisplay) Show(url string, img *preload.Image) {
	d.add(call{op: "show", url: url, img: img != nil})
}

func (d *fakeDisplay) snapshot() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

func preloaded(t *testing.T, urls ...string) *preload.Loader {
	t.Helper()
	res := make(map[string]testutil.Resource)
	for _, u := range urls {
		res[u] = testutil.Resource{Body: testutil.PNG(t, 1, 1, color.White)}
	}
	l := preload.NewLoader(preload.WithClient(&http.Client{Transport: testutil.NewStaticTransport(res)}))
	for _, o := range l.LoadAll(t.Context(), urls) {
		require.True(t, o.Success)
	}
	return l
}

func TestRunCyclesOnTimer(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		urls := []string{base + "1.png", base + "2.webp", base + "3.webp"}
		l := preloaded(t, urls...)
		d := newDisplay()
		s, err := slideshow.New(urls, d, slideshow.WithImages(l.Map()))
		require.NoError(t, err)
		assert.Equal(t, slideshow.Idle, s.State().Phase)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- s.Run(ctx) }()

		synctest.Wait()
		assert.Equal(t, "Displaying(0)", s.State().String())

		time.Sleep(6*time.Second + 500*time.Millisecond)
		assert.Equal(t, []call{{op: "fade", at: 6 * time.Second}}, d.snapshot())
		assert.Equal(t, 0, s.State().Index)

		time.Sleep(12 * time.Second)
		assert.Equal(t, []call{
			{op: "fade", at: 6 * time.Second},
			{op: "show", url: urls[1], img: true, at: 7 * time.Second},
			{op: "clear", at: 7 * time.Second},
			{op: "fade", at: 12 * time.Second},
			{op: "show", url: urls[2], img: true, at: 13 * time.Second},
			{op: "clear", at: 13 * time.Second},
			{op: "fade", at: 18 * time.Second},
		}, d.snapshot())

		time.Sleep(time.Second)
		calls := d.snapshot()
		assert.Equal(t, call{op: "show", url: urls[0], img: true, at: 19 * time.Second}, calls[len(calls)-2])
		assert.Equal(t, slideshow.State{Phase: slideshow.Displaying, Index: 0}, s.State())

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
		assert.Equal(t, slideshow.Idle, s.State().Phase)
	})
}

func TestRunFetchesMissingImagesOnDemand(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		urls := []string{base + "1.png", base + "2.webp", base + "3.webp"}
		l := preloaded(t, urls[0])
		spare := preloaded(t, urls[1])

		var mu sync.Mutex
		fetched := map[string]int{}
		fetch := func(ctx context.Context, url string) (*preload.Image, error) {
			mu.Lock()
			fetched[url]++
			mu.Unlock()
			if img, ok := spare.Map().Get(url); ok {
				return img, nil
			}
			return nil, errors.New("offline")
		}

		d := newDisplay()
		s, err := slideshow.New(urls, d,
			slideshow.WithImages(l.Map()),
			slideshow.WithFetcher(fetch),
			slideshow.WithInterval(2*time.Second),
			slideshow.WithFadeDelay(500*time.Millisecond),
		)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), 6*time.Second+time.Millisecond)
		defer cancel()
		require.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)

		var shows []call
		for _, c := range d.snapshot() {
			if c.op == "show" {
				shows = append(shows, c)
			}
		}
		assert.Equal(t, []call{
			{op: "show", url: urls[1], img: true, at: 2500 * time.Millisecond},
			{op: "show", url: urls[2], img: false, at: 4500 * time.Millisecond},
		}, shows)
		assert.Equal(t, map[string]int{urls[1]: 1, urls[2]: 1}, fetched)
	})
}

func TestRunWithoutImagesShowsNil(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		urls := []string{base + "1.png", base + "2.webp"}
		d := newDisplay()
		s, err := slideshow.New(urls, d)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), 7*time.Second+time.Millisecond)
		defer cancel()
		_ = s.Run(ctx)

		calls := d.snapshot()
		require.Len(t, calls, 3)
		assert.Equal(t, call{op: "show", url: urls[1], at: 7 * time.Second}, calls[1])
	})
}

func TestRunEmptyWaitsForCancel(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		d := newDisplay()
		s, err := slideshow.New(nil, d)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(t.Context(), time.Minute)
		defer cancel()
		require.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
		assert.Empty(t, d.snapshot())
	})
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := slideshow.New(nil, nil)
	require.ErrorIs(t, err, slideshow.ErrInvalid)
	_, err = slideshow.New(nil, newDisplay(), slideshow.WithInterval(0))
	require.ErrorIs(t, err, slideshow.ErrInvalid)
	_, err = slideshow.New(nil, newDisplay(), slideshow.WithInterval(time.Second), slideshow.WithFadeDelay(time.Second))
	require.ErrorIs(t, err, slideshow.ErrInvalid)
}
