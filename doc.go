// Package warmcache preloads page images and keeps a page usable offline.
//
// Two independent components do the work:
//
//   - The preloader ([preload.Loader], [preload.Stage]) loads the first
//     background image at the highest priority so it can be shown at once,
//     loads the full set in the background, and then hands the cached images
//     to a [slideshow.Scheduler].
//   - The cache worker ([worker.Manager]) is an http.RoundTripper that sits
//     in the page's client. It keeps two versioned cache generations, one for
//     the application shell and one for images, serves images cache-first and
//     everything else network-first with a cached fallback, and deletes stale
//     generations when a new version activates.
//
// # Quick Start
//
// Register a worker and obtain a controlled client:
//
//	store, err := disk.New("/var/cache/warmcache")
//	if err != nil {
//	    return err
//	}
//	m, err := worker.New(store, warmcache.DefaultWorkerConfig("https://cafe.example/"))
//	if err != nil {
//	    return err
//	}
//	reg := worker.NewRegistration(nil)
//	if err := reg.Register(ctx, m); err != nil {
//	    return err
//	}
//
// Preload the backgrounds through it and start the slideshow:
//
//	page, err := warmcache.NewPage(reg.Client(), "https://cafe.example/", warmcache.DefaultBackgrounds)
//	if err != nil {
//	    return err
//	}
//	err = page.Run(ctx, display, signals)
//
// # Storage
//
// Generations live in a [cachestore.Storage]. The memory, disk and badger
// subpackages of cachestore provide backends; all of them pass the
// cachestore/storetest conformance suite.
package warmcache
