package worker_test

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"testing"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/badger"
	"github.com/meigma/warmcache/cachestore/disk"
	"github.com/meigma/warmcache/cachestore/memory"
	"github.com/meigma/warmcache/internal/testutil"
	"github.com/meigma/warmcache/worker"
)

const benchBase = "http://bench.test/"

var benchSinkBytes int64

type benchStore struct {
	name string
	open func(b *testing.B) cachestore.Storage
}

func benchStores() []benchStore {
	return []benchStore{
		{name: "memory", open: func(*testing.B) cachestore.Storage { return memory.New() }},
		{name: "disk", open: func(b *testing.B) cachestore.Storage {
			s, err := disk.New(b.TempDir())
			if err != nil {
				b.Fatal(err)
			}
			return s
		}},
		{name: "badger", open: func(b *testing.B) cachestore.Storage {
			s, err := badger.Open("", badger.WithInMemory())
			if err != nil {
				b.Fatal(err)
			}
			return s
		}},
	}
}

func benchBody(size int, random bool) []byte {
	body := make([]byte, size)
	if random {
		rng := rand.New(rand.NewSource(1)) //nolint:gosec // reproducible benchmark data
		_, _ = rng.Read(body)
		return body
	}
	pattern := []byte("This is a repeating pattern for compression testing. ")
	for i := range body {
		body[i] = pattern[i%len(pattern)]
	}
	return body
}

func benchManager(b *testing.B, store cachestore.Storage, count, size int, random bool) (*worker.Manager, []string) {
	b.Helper()
	res := make(map[string]testutil.Resource, count)
	paths := make([]string, count)
	urls := make([]string, count)
	for i := range count {
		paths[i] = fmt.Sprintf("/assets/images/%d.webp", i)
		urls[i] = benchBase + paths[i][1:]
		res[urls[i]] = testutil.Resource{Body: benchBody(size, random), ContentType: "image/webp"}
	}
	m, err := worker.New(store, worker.Config{
		ShellTag:      "bench-shell",
		ImageTag:      "bench-images",
		ImageManifest: paths,
		BaseURL:       benchBase,
	}, worker.WithNetwork(testutil.NewStaticTransport(res)))
	if err != nil {
		b.Fatal(err)
	}
	if err := m.Install(context.Background()); err != nil {
		b.Fatal(err)
	}
	return m, urls
}

func BenchmarkManagerCacheHit(b *testing.B) {
	sizes := []struct {
		name string
		size int
	}{
		{name: "size=4k", size: 4 << 10},
		{name: "size=256k", size: 256 << 10},
	}

	for _, store := range benchStores() {
		for _, sz := range sizes {
			for _, random := range []bool{false, true} {
				pattern := "compressible"
				if random {
					pattern = "random"
				}
				b.Run(fmt.Sprintf("%s/%s/%s", store.name, sz.name, pattern), func(b *testing.B) {
					s := store.open(b)
					defer s.Close()
					m, urls := benchManager(b, s, 16, sz.size, random)
					client := &http.Client{Transport: m}

					b.SetBytes(int64(sz.size))
					b.ReportAllocs()
					b.ResetTimer()
					for i := 0; b.Loop(); i++ {
						resp, err := client.Get(urls[i%len(urls)])
						if err != nil {
							b.Fatal(err)
						}
						n, err := io.Copy(io.Discard, resp.Body)
						resp.Body.Close()
						if err != nil {
							b.Fatal(err)
						}
						benchSinkBytes = n
					}
				})
			}
		}
	}
}

func BenchmarkManagerInstall(b *testing.B) {
	for _, store := range benchStores() {
		b.Run(store.name, func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				b.StopTimer()
				s := store.open(b)
				b.StartTimer()
				benchManager(b, s, 10, 64<<10, true)
				b.StopTimer()
				s.Close()
				b.StartTimer()
			}
		})
	}
}
