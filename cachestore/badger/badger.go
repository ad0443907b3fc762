// Package badger provides a cachestore.Storage backed by BadgerDB.
//
// Generations are key prefixes in a single database. A marker key records
// that a generation exists, so empty generations are listed by Names, and a
// generation is deleted by removing its marker and every key under its prefix.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/internal/record"
)

const (
	prefixGeneration = "n/" // n/<name> -> marker
	prefixEntry      = "e/" // e/<name>\x00<key> -> record
)

// Store implements cachestore.Storage with BadgerDB.
type Store struct {
	db     *badgerdb.DB
	logger *slog.Logger
}

type config struct {
	inMemory bool
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*config)

// WithInMemory keeps the database in memory. The dir argument to Open is ignored.
func WithInMemory() Option {
	return func(c *config) {
		c.inMemory = true
	}
}

// WithLogger sets the logger used for corrupt-entry reports.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Open opens (creating if needed) a Badger-backed store in dir.
func Open(dir string, opts ...Option) (*Store, error) {
	cfg := config{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if dir == "" && !cfg.inMemory {
		return nil, errors.New("cache dir is empty")
	}

	bopts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if cfg.inMemory {
		bopts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: cfg.logger}, nil
}

func generationKey(name string) []byte {
	return []byte(prefixGeneration + name)
}

func entryPrefix(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entryPrefix(name), key...)
}

// Open implements cachestore.Storage.
func (s *Store) Open(_ context.Context, name string) (cachestore.Generation, error) {
	if err := cachestore.ValidateName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(generationKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(generationKey(name), []byte{1})
	})
	if err != nil {
		return nil, s.wrap(fmt.Errorf("open generation %s: %w", name, err))
	}
	return &generation{store: s, name: name}, nil
}

// Names implements cachestore.Storage.
func (s *Store) Names(context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixGeneration)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			names = append(names, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements cachestore.Storage.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	if err := cachestore.ValidateName(name); err != nil {
		return false, err
	}
	existed := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(generationKey(name)); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(generationKey(name))
	})
	if err != nil {
		return false, s.wrap(err)
	}
	if err := s.deletePrefix(entryPrefix(name)); err != nil {
		return existed, s.wrap(fmt.Errorf("delete generation %s: %w", name, err))
	}
	return existed, nil
}

// deletePrefix removes every key under prefix with a write batch.
func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	wb := s.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

// Match implements cachestore.Storage.
func (s *Store) Match(ctx context.Context, key string) (*cachestore.Entry, bool) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false
	}
	for _, name := range names {
		g := &generation{store: s, name: name}
		if e, ok := g.Match(ctx, key); ok {
			return e, true
		}
	}
	return nil, false
}

// Close implements cachestore.Storage.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrap(err error) error {
	if errors.Is(err, badgerdb.ErrDBClosed) {
		return fmt.Errorf("%w: %w", cachestore.ErrClosed, err)
	}
	return err
}

type generation struct {
	store *Store
	name  string
}

func (g *generation) Name() string { return g.name }

func (g *generation) Match(_ context.Context, key string) (*cachestore.Entry, bool) {
	var data []byte
	err := g.store.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(g.name, key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false
	}
	_, e, err := record.Decode(data)
	if err == nil {
		err = e.Verify()
	}
	if err != nil {
		g.store.logger.Warn("dropping corrupt cache entry",
			slog.String("generation", g.name),
			slog.String("key", key),
			slog.Any("error", err))
		_ = g.Delete(context.Background(), key)
		return nil, false
	}
	return e, true
}

func (g *generation) Put(_ context.Context, key string, e *cachestore.Entry) error {
	if e == nil {
		return fmt.Errorf("put %s: nil entry", key)
	}
	data, err := record.Encode(key, e)
	if err != nil {
		return err
	}
	err = g.store.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(generationKey(g.name)); err != nil {
			return fmt.Errorf("generation %s: %w", g.name, err)
		}
		return txn.Set(entryKey(g.name, key), data)
	})
	if err != nil {
		return g.store.wrap(fmt.Errorf("put %s: %w", key, err))
	}
	return nil
}

func (g *generation) Delete(_ context.Context, key string) error {
	return g.store.wrap(g.store.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(entryKey(g.name, key))
	}))
}

func (g *generation) Keys(context.Context) ([]string, error) {
	var keys []string
	prefix := entryPrefix(g.name)
	err := g.store.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, g.store.wrap(err)
	}
	slices.Sort(keys)
	return keys, nil
}
