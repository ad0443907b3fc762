package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/badger"
	"github.com/meigma/warmcache/cachestore/disk"
	"github.com/meigma/warmcache/cachestore/memory"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/preload"
)

type config struct {
	mode          string
	images        int
	imageSize     int
	pattern       string
	originURL     string
	originLatency time.Duration
	originBPS     int64
	fgProfile     string
	duration      time.Duration
	iterations    int
	pprofAddr     string
	cpuProfile    string
	memProfile    string
	traceFile     string
	storage       string
	storageDir    string
	concurrency   int
	readRandom    bool
	tempDir       string
	keepTemp      bool
	randomSeed    int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes   int64
	sinkOutcome []preload.Outcome
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	origin, err := newSite(cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	defer origin.Close()

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(context.Background(), cfg, origin, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(ctx context.Context, cfg config, origin *site, rootDir string) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "install":
		for shouldContinue() {
			store, cleanup, err := newStorage(cfg, rootDir)
			if err != nil {
				return profileStats{}, err
			}
			m, err := origin.manager(store)
			if err == nil {
				err = m.Install(ctx)
			}
			if cerr := cleanup(); err == nil {
				err = cerr
			}
			if err != nil {
				return profileStats{}, err
			}
			byteCount += origin.bytes
			ops++
		}

	case "cache-hit":
		store, cleanup, err := newStorage(cfg, rootDir)
		if err != nil {
			return profileStats{}, err
		}
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
		m, err := origin.manager(store)
		if err != nil {
			return profileStats{}, err
		}
		if err := m.Install(ctx); err != nil {
			return profileStats{}, err
		}

		client := &http.Client{Transport: m}
		start = time.Now()
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			n, err := get(ctx, client, pickURL(origin.urls, ops, rng, cfg.readRandom))
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			sinkBytes = n
			ops++
		}

	case "preload":
		store, cleanup, err := newStorage(cfg, rootDir)
		if err != nil {
			return profileStats{}, err
		}
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
		m, err := origin.manager(store)
		if err != nil {
			return profileStats{}, err
		}
		if err := m.Install(ctx); err != nil {
			return profileStats{}, err
		}

		start = time.Now()
		for shouldContinue() {
			n, err := origin.preload(ctx, &http.Client{Transport: m}, cfg.concurrency)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}

	case "preload-cold":
		for shouldContinue() {
			n, err := origin.preload(ctx, origin.client, cfg.concurrency)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += n
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	var originBPS string
	flag.StringVar(&cfg.mode, "mode", "install", "mode: install, cache-hit, preload, preload-cold")
	flag.IntVar(&cfg.images, "images", 10, "number of images")
	flag.IntVar(&cfg.imageSize, "image-size", 512, "image width and height in pixels")
	flag.StringVar(&cfg.pattern, "pattern", "random", "pattern: flat or random")
	flag.StringVar(&cfg.originURL, "origin-url", "", "origin base URL (default: serve generated images locally)")
	flag.DurationVar(&cfg.originLatency, "origin-latency", 0, "per-request latency to the origin")
	flag.StringVar(&originBPS, "origin-bps", "", "bytes/sec throttle to the origin (e.g. 10MBps)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.storage, "storage", "memory", "storage: memory, disk, badger")
	flag.StringVar(&cfg.storageDir, "storage-dir", "", "storage directory (disk and badger only)")
	flag.IntVar(&cfg.concurrency, "concurrency", 0, "preload concurrency: 0 unbounded")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize cache-hit URL selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for storage")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if originBPS != "" {
		bps, err := whttp.ParseBytesPerSecond(originBPS)
		if err != nil {
			log.Fatalf("origin-bps: %v", err)
		}
		cfg.originBPS = bps
	}
	return cfg
}

func pickURL(urls []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return urls[rng.Intn(len(urls))]
	}
	return urls[idx%len(urls)]
}

func get(ctx context.Context, client *http.Client, rawURL string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return 0, err
	}
	req.Header.Set(whttp.HeaderFetchDest, string(whttp.DestinationImage))
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, err
	}
	if resp.StatusCode != http.StatusOK {
		return n, fmt.Errorf("%s: status %d", rawURL, resp.StatusCode)
	}
	return n, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "warmcache-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newStorage(cfg config, rootDir string) (cachestore.Storage, func() error, error) {
	switch cfg.storage {
	case "memory":
		s := memory.New()
		return s, s.Close, nil
	case "disk", "badger":
		storeDir := cfg.storageDir
		autoDir := storeDir == ""
		if autoDir {
			dir, err := os.MkdirTemp(rootDir, "store-*")
			if err != nil {
				return nil, nil, err
			}
			storeDir = dir
		}

		var (
			s   cachestore.Storage
			err error
		)
		if cfg.storage == "disk" {
			s, err = disk.New(storeDir)
		} else {
			s, err = badger.Open(storeDir)
		}
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			err := s.Close()
			if autoDir {
				err = errors.Join(err, os.RemoveAll(storeDir))
			}
			return err
		}
		return s, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage: %s", cfg.storage)
	}
}
