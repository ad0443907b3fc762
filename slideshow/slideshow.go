// Package slideshow cycles preloaded images on a fixed timer.
package slideshow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meigma/warmcache/preload"
)

// Default timings.
const (
	DefaultInterval  = 6 * time.Second
	DefaultFadeDelay = 1 * time.Second
)

// ErrInvalid is returned by New for unusable arguments.
var ErrInvalid = errors.New("slideshow: invalid configuration")

// Display applies transitions. Calls come from the Run goroutine.
type Display interface {
	// FadeOut starts the fade-out transition.
	FadeOut()

	// Show applies url as the new background. img is nil when the image
	// could not be loaded; the display may fetch it itself.
	Show(url string, img *preload.Image)

	// ClearFade ends the transition.
	ClearFade()
}

// FetchFunc loads an image on demand.
type FetchFunc func(ctx context.Context, url string) (*preload.Image, error)

// Phase is the scheduler state.
type Phase int

const (
	// Idle means Run has not started or has returned.
	Idle Phase = iota
	// Displaying means the image at State.Index is shown.
	Displaying
)

// State is a snapshot of the scheduler.
type State struct {
	Phase Phase
	Index int
}

// String renders the state as Idle or Displaying(i).
func (s State) String() string {
	if s.Phase == Idle {
		return "Idle"
	}
	return fmt.Sprintf("Displaying(%d)", s.Index)
}

// Scheduler cycles through a fixed list of images.
type Scheduler struct {
	urls      []string
	display   Display
	images    *preload.Map
	fetch     FetchFunc
	interval  time.Duration
	fadeDelay time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithImages sets the map preloaded images are read from.
func WithImages(m *preload.Map) Option {
	return func(s *Scheduler) {
		s.images = m
	}
}

// WithFetcher sets the on-demand loader for images missing from the map.
func WithFetcher(f FetchFunc) Option {
	return func(s *Scheduler) {
		s.fetch = f
	}
}

// WithInterval sets the time between transitions.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithFadeDelay sets the time between FadeOut and Show.
func WithFadeDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.fadeDelay = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler over urls, which is assumed to start with urls[0]
// already displayed.
func New(urls []string, display Display, opts ...Option) (*Scheduler, error) {
	if display == nil {
		return nil, fmt.Errorf("%w: nil display", ErrInvalid)
	}
	s := &Scheduler{
		urls:      append([]string(nil), urls...),
		display:   display,
		interval:  DefaultInterval,
		fadeDelay: DefaultFadeDelay,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("%w: interval %s", ErrInvalid, s.interval)
	}
	if s.fadeDelay < 0 || s.fadeDelay >= s.interval {
		return nil, fmt.Errorf("%w: fade delay %s must be in [0, %s)", ErrInvalid, s.fadeDelay, s.interval)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run cycles images until ctx is done and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.urls) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	s.setState(State{Phase: Displaying, Index: 0})
	defer s.setState(State{Phase: Idle})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		s.display.FadeOut()
		if err := sleep(ctx, s.fadeDelay); err != nil {
			return err
		}

		i = (i + 1) % len(s.urls)
		url := s.urls[i]
		s.display.Show(url, s.image(ctx, url))
		s.display.ClearFade()
		s.setState(State{Phase: Displaying, Index: i})
	}
}

func (s *Scheduler) image(ctx context.Context, url string) *preload.Image {
	if s.images != nil {
		if img, ok := s.images.Get(url); ok {
			return img
		}
	}
	if s.fetch == nil {
		return nil
	}
	img, err := s.fetch(ctx, url)
	if err != nil {
		s.logger.Debug("on-demand image fetch failed",
			slog.String("url", url),
			slog.Any("error", err))
		return nil
	}
	return img
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
