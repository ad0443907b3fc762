package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/internal/config"
	"github.com/meigma/warmcache/metrics"
	wprom "github.com/meigma/warmcache/metrics/prometheus"
	"github.com/meigma/warmcache/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cache worker as an offline-first reverse proxy",
	Long: `Run the cache worker in front of the configured origin.

Every request is routed through the active worker: images are served
cache-first and everything else network-first with a cached fallback.
Send SIGHUP to reload the configuration and register a new worker version;
stale generations are deleted once it activates.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := stderrLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := wprom.NewWorkerMetrics(registry)

	network := networkTransport(cfg.Network)
	reg := worker.NewRegistration(network, worker.WithRegistrationLogger(logger))
	if err := register(ctx, reg, cfg, store, network, logger, rec); err != nil {
		// The origin stays reachable through the uncontrolled client.
		logger.Error("initial worker registration failed", slog.Any("error", err))
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}
	handler := newRouter(cfg, reg.Client(), origin, registry, logger)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", slog.String("listen", cfg.Server.Listen), slog.String("origin", cfg.Origin))
		errCh <- srv.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			reloaded, err := loadConfig()
			if err != nil {
				logger.Error("reload failed", slog.Any("error", err))
				continue
			}
			if err := register(ctx, reg, reloaded, store, networkTransport(reloaded.Network), logger, rec); err != nil {
				logger.Error("worker update failed, keeping active worker", slog.Any("error", err))
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		}
	}
}

func register(ctx context.Context, reg *worker.Registration, cfg *config.Config, store cachestore.Storage, network http.RoundTripper, logger *slog.Logger, rec metrics.WorkerMetrics) error {
	m, err := newManager(cfg, store, network, logger, rec)
	if err != nil {
		return err
	}
	return reg.Register(ctx, m)
}

func newRouter(cfg *config.Config, client *http.Client, origin *url.URL, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.Out.Host = origin.Host
		},
		Transport: client.Transport,
		ModifyResponse: func(resp *http.Response) error {
			// Proxied requests carry the origin's host, so rewrite redirects
			// back to the proxy.
			if loc := resp.Header.Get("Location"); loc != "" {
				if u, err := url.Parse(loc); err == nil && u.Host == origin.Host {
					resp.Header.Set("Location", u.RequestURI())
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			http.Error(w, "origin unreachable and no cached copy", http.StatusBadGateway)
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if cfg.Server.MetricsPath != "" {
		r.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	r.Handle("/*", proxy)
	return r
}
