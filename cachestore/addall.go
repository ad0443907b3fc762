package cachestore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FetchFunc retrieves the entry for a URL from the network.
// It must return an error for anything other than a successful response.
type FetchFunc func(ctx context.Context, rawURL string) (*Entry, error)

// AddAll fetches every URL and stores the results in gen.
//
// AddAll is all-or-nothing. All URLs are fetched concurrently and nothing is
// written until every fetch has succeeded; the first failure cancels the
// remaining fetches. If a write fails, entries written by this call are
// rolled back to their previous values.
func AddAll(ctx context.Context, gen Generation, fetch FetchFunc, urls []string) error {
	keys := make([]string, len(urls))
	for i, u := range urls {
		key, err := Key(u)
		if err != nil {
			return err
		}
		keys[i] = key
	}

	entries := make([]*Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			e, err := fetch(gctx, u)
			if err != nil {
				return fmt.Errorf("add %s: %w", u, err)
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	type undo struct {
		key  string
		prev *Entry
	}
	written := make([]undo, 0, len(keys))
	for i, key := range keys {
		prev, _ := gen.Match(ctx, key)
		if err := gen.Put(ctx, key, entries[i]); err != nil {
			rctx := context.WithoutCancel(ctx)
			for j := len(written) - 1; j >= 0; j-- {
				w := written[j]
				if w.prev != nil {
					_ = gen.Put(rctx, w.key, w.prev)
				} else {
					_ = gen.Delete(rctx, w.key)
				}
			}
			return fmt.Errorf("%w: %s: %w", ErrStore, key, err)
		}
		written = append(written, undo{key: key, prev: prev})
	}
	return nil
}
