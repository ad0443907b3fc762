// Package storetest provides a conformance suite for cachestore.Storage
// implementations.
package storetest

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/cachestore"
)

// Factory creates a fresh Storage for each test. It may use t.TempDir and
// t.Cleanup for setup and teardown.
type Factory func(t *testing.T) cachestore.Storage

// RunConformanceSuite runs the storage conformance tests against factory.
func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("PutMatch", func(t *testing.T) { testPutMatch(t, factory(t)) })
	t.Run("OpenIsIdempotent", func(t *testing.T) { testOpenIdempotent(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("DeleteEntry", func(t *testing.T) { testDeleteEntry(t, factory(t)) })
	t.Run("DeleteGeneration", func(t *testing.T) { testDeleteGeneration(t, factory(t)) })
	t.Run("MatchAcrossGenerations", func(t *testing.T) { testMatchAcross(t, factory(t)) })
	t.Run("InvalidNames", func(t *testing.T) { testInvalidNames(t, factory(t)) })
	t.Run("EntriesAreCopies", func(t *testing.T) { testEntriesAreCopies(t, factory(t)) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, factory(t)) })
}

// Entry returns a test entry for rawURL with the given body.
func Entry(rawURL, body string) *cachestore.Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return cachestore.NewEntry(rawURL, http.StatusOK, h, []byte(body))
}

const (
	keyA = "https://example.test/a"
	keyB = "https://example.test/b"
)

func testPutMatch(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	assert.Equal(t, "shell-v1", g.Name())

	_, ok := g.Match(ctx, keyA)
	assert.False(t, ok, "empty generation should miss")

	require.NoError(t, g.Put(ctx, keyA, Entry(keyA, "alpha")))
	require.NoError(t, g.Put(ctx, keyB, Entry(keyB, "beta")))

	e, ok := g.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "alpha", string(e.Body))
	assert.Equal(t, http.StatusOK, e.Status)
	assert.Equal(t, "text/plain", e.Header.Get("Content-Type"))
	require.NoError(t, e.Verify())

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keyA, keyB}, keys)
}

func testOpenIdempotent(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g1, err := s.Open(ctx, "images-v1")
	require.NoError(t, err)
	require.NoError(t, g1.Put(ctx, keyA, Entry(keyA, "one")))

	g2, err := s.Open(ctx, "images-v1")
	require.NoError(t, err)
	e, ok := g2.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "one", string(e.Body))

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"images-v1"}, names)
}

func testOverwrite(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, keyA, Entry(keyA, "old")))
	require.NoError(t, g.Put(ctx, keyA, Entry(keyA, "new")))

	e, ok := g.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "new", string(e.Body))

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keyA}, keys)
}

func testDeleteEntry(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	require.NoError(t, g.Put(ctx, keyA, Entry(keyA, "alpha")))
	require.NoError(t, g.Delete(ctx, keyA))
	require.NoError(t, g.Delete(ctx, keyB), "deleting a missing key is a no-op")

	_, ok := g.Match(ctx, keyA)
	assert.False(t, ok)
}

func testDeleteGeneration(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	for _, name := range []string{"shell-v1", "shell-v2", "images-v1"} {
		g, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, g.Put(ctx, keyA, Entry(keyA, name)))
	}

	deleted, err := s.Delete(ctx, "shell-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "shell-v1")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete reports absence")

	names, err := s.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"images-v1", "shell-v2"}, names)

	// Reopening a deleted name yields an empty generation.
	g, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)
	_, ok := g.Match(ctx, keyA)
	assert.False(t, ok)
}

func testMatchAcross(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	_, ok := s.Match(ctx, keyA)
	assert.False(t, ok)

	shell, err := s.Open(ctx, "b-shell")
	require.NoError(t, err)
	images, err := s.Open(ctx, "a-images")
	require.NoError(t, err)

	require.NoError(t, shell.Put(ctx, keyA, Entry(keyA, "from shell")))
	e, ok := s.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "from shell", string(e.Body))

	require.NoError(t, images.Put(ctx, keyA, Entry(keyA, "from images")))
	e, ok = s.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "from images", string(e.Body), "generations are searched in name order")
}

func testInvalidNames(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, ".hidden", "tab\tname"} {
		_, err := s.Open(ctx, name)
		require.ErrorIs(t, err, cachestore.ErrInvalidName, "name %q", name)
	}
}

func testEntriesAreCopies(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g, err := s.Open(ctx, "shell-v1")
	require.NoError(t, err)

	in := Entry(keyA, "alpha")
	require.NoError(t, g.Put(ctx, keyA, in))
	in.Body[0] = 'X'

	out, ok := g.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "alpha", string(out.Body))
	out.Body[0] = 'Y'
	out.Header.Set("Content-Type", "changed")

	again, ok := g.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "alpha", string(again.Body))
	assert.Equal(t, "text/plain", again.Header.Get("Content-Type"))
}

func testConcurrentPuts(t *testing.T, s cachestore.Storage) {
	ctx := t.Context()
	g, err := s.Open(ctx, "images-v1")
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("https://example.test/img/%d.webp", i)
			errs <- g.Put(ctx, key, Entry(key, key))
			errs <- g.Put(ctx, keyA, Entry(keyA, "shared"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	keys, err := g.Keys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, n+1)
	e, ok := g.Match(ctx, keyA)
	require.True(t, ok)
	assert.Equal(t, "shared", string(e.Body))
}
