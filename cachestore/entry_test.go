package cachestore_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/warmcache/cachestore"
)

func TestKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.test/a.png", want: "https://example.test/a.png"},
		{in: "https://example.test/a.png#frag", want: "https://example.test/a.png"},
		{in: "https://user:pw@example.test/?q=1", want: "https://example.test/?q=1"},
		{in: "/relative", wantErr: true},
		{in: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := cachestore.Key(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, cachestore.ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEntryVerify(t *testing.T) {
	t.Parallel()

	e := cachestore.NewEntry("https://example.test/", http.StatusOK, nil, []byte("hello"))
	require.NoError(t, e.Verify())

	e.Body = []byte("jello")
	require.ErrorIs(t, e.Verify(), cachestore.ErrCorrupt)

	e.Digest = ""
	require.ErrorIs(t, e.Verify(), cachestore.ErrCorrupt)
}

func TestEntryResponse(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Content-Type", "image/webp")
	e := cachestore.NewEntry("https://example.test/7.webp", http.StatusOK, h, []byte("webp"))
	req, err := http.NewRequest(http.MethodGet, "https://example.test/7.webp", nil)
	require.NoError(t, err)

	for range 2 {
		resp := e.Response(req)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "200 OK", resp.Status)
		assert.Equal(t, int64(4), resp.ContentLength)
		assert.Equal(t, "image/webp", resp.Header.Get("Content-Type"))
		assert.Same(t, req, resp.Request)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "webp", string(body))
	}
}

func TestValidateName(t *testing.T) {
	t.Parallel()

	require.NoError(t, cachestore.ValidateName("cafe-shell-v2"))
	require.ErrorIs(t, cachestore.ValidateName(""), cachestore.ErrInvalidName)
	require.ErrorIs(t, cachestore.ValidateName("a/b"), cachestore.ErrInvalidName)
}
