package commands

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/badger"
	"github.com/meigma/warmcache/cachestore/disk"
	"github.com/meigma/warmcache/cachestore/memory"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/internal/config"
	"github.com/meigma/warmcache/metrics"
	"github.com/meigma/warmcache/worker"
)

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (cachestore.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(memory.WithMaxBytes(int64(cfg.MaxBytes))), nil
	case "disk":
		s, err := disk.New(cfg.Path,
			disk.WithMaxBytes(int64(cfg.MaxBytes)),
			disk.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open disk storage: %w", err)
		}
		return s, nil
	case "badger":
		s, err := badger.Open(cfg.Path, badger.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// networkTransport returns the transport used to reach the origin,
// throttled when latency or bandwidth limits are configured.
func networkTransport(cfg config.NetworkConfig) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.Timeout
	if cfg.Latency <= 0 && cfg.Bandwidth <= 0 {
		return base
	}
	return &whttp.Throttle{
		Base:           base,
		Latency:        cfg.Latency,
		BytesPerSecond: int64(cfg.Bandwidth),
	}
}

func newManager(cfg *config.Config, store cachestore.Storage, network http.RoundTripper, logger *slog.Logger, rec metrics.WorkerMetrics) (*worker.Manager, error) {
	return worker.New(store, cfg.WorkerConfig(),
		worker.WithNetwork(network),
		worker.WithLogger(logger),
		worker.WithMetrics(rec),
		worker.WithMaxEntryBytes(int64(cfg.Worker.MaxEntryBytes)),
	)
}

func stderrLogger(cfg *config.Config) *slog.Logger {
	return newLogger(os.Stderr, cfg.Logging)
}
