package warmcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/slideshow"
)

// Page runs the preloading and slideshow flow of one page session.
type Page struct {
	backgrounds []string
	loader      *preload.Loader
	stageOpts   []preload.StageOption
	showOpts    []slideshow.Option
}

// PageOption configures a Page.
type PageOption func(*pageConfig)

type pageConfig struct {
	loaderOpts []preload.Option
	stageOpts  []preload.StageOption
	showOpts   []slideshow.Option
}

// WithLoaderOptions passes options to the page's preload.Loader.
func WithLoaderOptions(opts ...preload.Option) PageOption {
	return func(c *pageConfig) {
		c.loaderOpts = append(c.loaderOpts, opts...)
	}
}

// WithStageOptions passes options to preload.Stage.
func WithStageOptions(opts ...preload.StageOption) PageOption {
	return func(c *pageConfig) {
		c.stageOpts = append(c.stageOpts, opts...)
	}
}

// WithSlideshowOptions passes options to the slideshow.Scheduler.
func WithSlideshowOptions(opts ...slideshow.Option) PageOption {
	return func(c *pageConfig) {
		c.showOpts = append(c.showOpts, opts...)
	}
}

// NewPage creates a Page that loads backgrounds through client.
// Backgrounds resolve against baseURL.
func NewPage(client *http.Client, baseURL string, backgrounds []string, opts ...PageOption) (*Page, error) {
	urls, err := Resolve(baseURL, backgrounds)
	if err != nil {
		return nil, err
	}
	var cfg pageConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	loaderOpts := append([]preload.Option{preload.WithClient(client)}, cfg.loaderOpts...)
	return &Page{
		backgrounds: urls,
		loader:      preload.NewLoader(loaderOpts...),
		stageOpts:   cfg.stageOpts,
		showOpts:    cfg.showOpts,
	}, nil
}

// Backgrounds returns the resolved background URLs in display order.
func (p *Page) Backgrounds() []string {
	return append([]string(nil), p.backgrounds...)
}

// Images returns the map of preloaded images.
func (p *Page) Images() *preload.Map {
	return p.loader.Map()
}

// Preload runs the staging protocol over the backgrounds.
func (p *Page) Preload(ctx context.Context, sig preload.Signals) []preload.Outcome {
	return preload.Stage(ctx, p.loader, p.backgrounds, sig, p.stageOpts...)
}

// Slideshow returns a scheduler over the backgrounds that reads preloaded
// images and fetches missing ones on demand.
func (p *Page) Slideshow(display slideshow.Display) (*slideshow.Scheduler, error) {
	opts := append([]slideshow.Option{
		slideshow.WithImages(p.loader.Map()),
		slideshow.WithFetcher(p.loader.Fetch),
	}, p.showOpts...)
	return slideshow.New(p.backgrounds, display, opts...)
}

// Run shows the first background as soon as it loads, waits for the rest,
// then runs the slideshow until ctx is done. sig may be nil.
func (p *Page) Run(ctx context.Context, display slideshow.Display, sig preload.Signals) error {
	s, err := p.Slideshow(display)
	if err != nil {
		return err
	}
	if sig == nil {
		sig = preload.SignalFuncs{}
	}
	p.Preload(ctx, pageSignals{Signals: sig, display: display})
	return s.Run(ctx)
}

type pageSignals struct {
	preload.Signals
	display slideshow.Display
}

func (s pageSignals) DisplayReady(url string, img *preload.Image) {
	s.display.Show(url, img)
	s.Signals.DisplayReady(url, img)
}

// Resolve turns paths into absolute URLs relative to baseURL.
func Resolve(baseURL string, paths []string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base url %q is not absolute", baseURL)
	}
	urls := make([]string, len(paths))
	for i, p := range paths {
		ref, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", p, err)
		}
		urls[i] = base.ResolveReference(ref).String()
	}
	return urls, nil
}
