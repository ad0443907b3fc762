package preload

import (
	"context"
	"sync"
	"time"
)

// DefaultLoadingTimeout is how long Stage waits for the first image before
// signalling LoadingTimeout.
const DefaultLoadingTimeout = 3 * time.Second

// Signals receives staging progress. Calls may come from any goroutine.
type Signals interface {
	// DisplayReady is called once the priority load of the first URL has
	// settled. img is nil if that load failed.
	DisplayReady(url string, img *Image)

	// LoadingTimeout is called if DisplayReady has not been called within
	// the loading timeout.
	LoadingTimeout()

	// AllCached is called once every image in the set has settled.
	AllCached(outcomes []Outcome)
}

// SignalFuncs adapts functions to Signals. Nil fields are skipped.
type SignalFuncs struct {
	OnDisplayReady   func(url string, img *Image)
	OnLoadingTimeout func()
	OnAllCached      func(outcomes []Outcome)
}

// DisplayReady implements Signals.
func (s SignalFuncs) DisplayReady(url string, img *Image) {
	if s.OnDisplayReady != nil {
		s.OnDisplayReady(url, img)
	}
}

// LoadingTimeout implements Signals.
func (s SignalFuncs) LoadingTimeout() {
	if s.OnLoadingTimeout != nil {
		s.OnLoadingTimeout()
	}
}

// AllCached implements Signals.
func (s SignalFuncs) AllCached(outcomes []Outcome) {
	if s.OnAllCached != nil {
		s.OnAllCached(outcomes)
	}
}

type stageOptions struct {
	loadingTimeout time.Duration
}

// StageOption configures Stage.
type StageOption func(*stageOptions)

// WithLoadingTimeout sets the loading fallback timeout.
// Values <= 0 disable it.
func WithLoadingTimeout(d time.Duration) StageOption {
	return func(o *stageOptions) {
		o.loadingTimeout = d
	}
}

// Stage loads set[0] at the highest priority while loading the whole set in
// the background. DisplayReady fires as soon as the first load settles,
// whether or not the rest have finished. AllCached fires after every load
// has settled and never before DisplayReady. Stage then returns the
// outcomes. sig may be nil.
func Stage(ctx context.Context, l *Loader, set []string, sig Signals, opts ...StageOption) []Outcome {
	o := stageOptions{loadingTimeout: DefaultLoadingTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if sig == nil {
		sig = SignalFuncs{}
	}
	if len(set) == 0 {
		sig.AllCached(nil)
		return nil
	}

	ready := make(chan struct{})
	shown := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		img := l.LoadPriority(ctx, set[0])
		close(ready)
		sig.DisplayReady(set[0], img)
		close(shown)
	})

	if o.loadingTimeout > 0 {
		wg.Go(func() {
			timer := time.NewTimer(o.loadingTimeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				sig.LoadingTimeout()
			case <-ready:
			}
		})
	}

	outcomes := l.LoadAll(ctx, set)
	<-shown
	sig.AllCached(outcomes)
	wg.Wait()
	return outcomes
}
