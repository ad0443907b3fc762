package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/meigma/warmcache"
	"github.com/meigma/warmcache/internal/config"
	wprom "github.com/meigma/warmcache/metrics/prometheus"
	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/slideshow"
	"github.com/meigma/warmcache/worker"
)

var (
	preloadSlideshow time.Duration
	preloadNoWorker  bool
	preloadMetrics   bool
)

var preloadCmd = &cobra.Command{
	Use:   "preload",
	Short: "Preload the slideshow backgrounds through the cache worker",
	Long: `Install the cache worker and load every background the way the page does:
the first image at the highest priority, the next few at high priority and
the rest in the background.

With --slideshow the rotation runs for the given duration after preloading,
logging each transition.`,
	Example: `  # Warm the cache and print per-image results
  warmcache preload

  # Preload, then rotate backgrounds for a minute
  warmcache preload --slideshow 1m`,
	RunE: runPreload,
}

func init() {
	preloadCmd.Flags().DurationVar(&preloadSlideshow, "slideshow", 0, "run the slideshow for this long after preloading")
	preloadCmd.Flags().BoolVar(&preloadMetrics, "metrics", false, "print load metrics in Prometheus text format")
	preloadCmd.Flags().BoolVar(&preloadNoWorker, "no-worker", false, "load straight from the network without installing the worker")
}

func runPreload(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := stderrLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	network := networkTransport(cfg.Network)
	reg := worker.NewRegistration(network, worker.WithRegistrationLogger(logger))
	if !preloadNoWorker {
		store, err := openStorage(cfg.Storage, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		m, err := newManager(cfg, store, network, logger, nil)
		if err != nil {
			return err
		}
		if err := reg.Register(ctx, m); err != nil {
			logger.Warn("worker install failed, loading from the network", slog.Any("error", err))
		}
	}

	registry := prometheus.NewRegistry()
	page, err := newPage(cfg, reg, registry, logger)
	if err != nil {
		return err
	}
	sig := preload.SignalFuncs{
		OnDisplayReady: func(url string, img *preload.Image) {
			logger.Info("display ready", slog.String("url", url), slog.Bool("loaded", img != nil))
		},
		OnLoadingTimeout: func() {
			logger.Info("first background is slow, showing loading state")
		},
		OnAllCached: func(outcomes []preload.Outcome) {
			logger.Info("all backgrounds cached", slog.Int("count", len(outcomes)))
		},
	}

	start := time.Now()
	outcomes := page.Preload(ctx, sig)
	printOutcomes(cmd.OutOrStdout(), outcomes, time.Since(start))
	if preloadMetrics {
		if err := writeMetrics(cmd.OutOrStdout(), registry); err != nil {
			return err
		}
	}

	if preloadSlideshow <= 0 {
		return nil
	}
	s, err := page.Slideshow(logDisplay{logger: logger})
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(ctx, preloadSlideshow)
	defer cancel()
	if err := s.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}
	return nil
}

func newPage(cfg *config.Config, reg *worker.Registration, registry prometheus.Registerer, logger *slog.Logger) (*warmcache.Page, error) {
	return warmcache.NewPage(reg.Client(), cfg.Origin, cfg.Preload.Backgrounds,
		warmcache.WithLoaderOptions(
			preload.WithHighPriorityCount(cfg.Preload.HighPriorityCount),
			preload.WithConcurrency(cfg.Preload.Concurrency),
			preload.WithLogger(logger),
			preload.WithMetrics(wprom.NewPreloadMetrics(registry)),
		),
		warmcache.WithStageOptions(preload.WithLoadingTimeout(cfg.Preload.LoadingTimeout)),
		warmcache.WithSlideshowOptions(
			slideshow.WithInterval(cfg.Preload.Interval),
			slideshow.WithFadeDelay(cfg.Preload.FadeDelay),
			slideshow.WithLogger(logger),
		),
	)
}

func printOutcomes(w io.Writer, outcomes []preload.Outcome, elapsed time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tURL\tRESULT")
	failed := 0
	for _, o := range outcomes {
		result := "ok"
		if !o.Success {
			failed++
			result = "failed"
			if o.Err != nil {
				result = "failed: " + o.Err.Error()
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", o.Index, o.URL, result)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d loaded, %d failed in %s\n", len(outcomes)-failed, failed, elapsed.Round(time.Millisecond))
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	fmt.Fprintln(w)
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

// logDisplay renders slideshow transitions as log lines.
type logDisplay struct {
	logger *slog.Logger
}

func (d logDisplay) FadeOut() { d.logger.Debug("fade out") }

func (d logDisplay) Show(url string, img *preload.Image) {
	attrs := []any{slog.String("url", url)}
	if img != nil {
		attrs = append(attrs,
			slog.String("format", img.Format),
			slog.Int("width", img.Config.Width),
			slog.Int("height", img.Config.Height))
	}
	d.logger.Info("background", attrs...)
}

func (d logDisplay) ClearFade() { d.logger.Debug("fade cleared") }
