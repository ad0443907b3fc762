// Package memory provides an in-memory cachestore.Storage.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/meigma/warmcache/cachestore"
)

// Store implements cachestore.Storage in memory.
type Store struct {
	mu       sync.RWMutex
	gens     map[string]*generation
	maxBytes int64
	bytes    int64
	closed   bool
}

// Option configures a Store.
type Option func(*Store)

// WithMaxBytes limits the total body bytes held across all generations.
// Writes that would exceed the limit fail with cachestore.ErrQuotaExceeded.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{gens: make(map[string]*generation)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open implements cachestore.Storage.
func (s *Store) Open(_ context.Context, name string) (cachestore.Generation, error) {
	if err := cachestore.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, cachestore.ErrClosed
	}
	g, ok := s.gens[name]
	if !ok {
		g = &generation{store: s, name: name, entries: make(map[string]*cachestore.Entry)}
		s.gens[name] = g
	}
	return g, nil
}

// Names implements cachestore.Storage.
func (s *Store) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, cachestore.ErrClosed
	}
	names := make([]string, 0, len(s.gens))
	for name := range s.gens {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements cachestore.Storage.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, cachestore.ErrClosed
	}
	g, ok := s.gens[name]
	if !ok {
		return false, nil
	}
	delete(s.gens, name)
	for _, e := range g.entries {
		s.bytes -= e.Size()
	}
	g.entries = make(map[string]*cachestore.Entry)
	g.detached = true
	return true, nil
}

// Match implements cachestore.Storage.
func (s *Store) Match(ctx context.Context, key string) (*cachestore.Entry, bool) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range names {
		g, ok := s.gens[name]
		if !ok {
			continue
		}
		if e, ok := g.entries[key]; ok {
			return e.Clone(), true
		}
	}
	return nil, false
}

// Close implements cachestore.Storage.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SizeBytes returns the total body bytes stored.
func (s *Store) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// generation shares the store mutex so quota accounting stays consistent.
type generation struct {
	store    *Store
	name     string
	entries  map[string]*cachestore.Entry
	detached bool
}

func (g *generation) Name() string { return g.name }

func (g *generation) Match(_ context.Context, key string) (*cachestore.Entry, bool) {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	e, ok := g.entries[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (g *generation) Put(_ context.Context, key string, e *cachestore.Entry) error {
	if e == nil {
		return fmt.Errorf("put %s: nil entry", key)
	}
	s := g.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return cachestore.ErrClosed
	}

	delta := e.Size()
	prev, had := g.entries[key]
	if had {
		delta -= prev.Size()
	}
	if !g.detached && s.maxBytes > 0 && s.bytes+delta > s.maxBytes {
		return fmt.Errorf("put %s: %w (%d of %d bytes used)", key, cachestore.ErrQuotaExceeded, s.bytes, s.maxBytes)
	}
	g.entries[key] = e.Clone()
	if !g.detached {
		s.bytes += delta
	}
	return nil
}

func (g *generation) Delete(_ context.Context, key string) error {
	s := g.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := g.entries[key]; ok {
		delete(g.entries, key)
		if !g.detached {
			s.bytes -= e.Size()
		}
	}
	return nil
}

func (g *generation) Keys(context.Context) ([]string, error) {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for k := range g.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
