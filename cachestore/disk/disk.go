// Package disk provides a filesystem-backed cachestore.Storage.
//
// Each generation is a directory under the storage root. Entries are stored
// one per file, named by the SHA-256 of the key and sharded by hash prefix.
// Writes go to a temporary file that is renamed into place, so readers never
// observe a partial entry.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/meigma/warmcache/cachestore"
	"github.com/meigma/warmcache/cachestore/internal/record"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
	defaultFilePerm       = 0o600

	tempPattern = ".tmp-*"
)

// Store implements cachestore.Storage on the local filesystem.
// The store is safe for concurrent use.
type Store struct {
	dir            string       // root directory holding one directory per generation
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // storage quota (0 = unlimited)
	bytes          atomic.Int64 // current total size of entry files
	genMu          sync.RWMutex // guards generation create/delete against writes
	logger         *slog.Logger
}

// Option configures a disk store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for generation directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the storage quota in bytes.
// Writes that would exceed it fail with cachestore.ErrQuotaExceeded; nothing
// is evicted. Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithLogger sets the logger used for corrupt-entry reports.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a disk-backed store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Open implements cachestore.Storage.
func (s *Store) Open(_ context.Context, name string) (cachestore.Generation, error) {
	if err := cachestore.ValidateName(name); err != nil {
		return nil, err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()
	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(path, s.dirPerm); err != nil {
		return nil, fmt.Errorf("open generation %s: %w", name, err)
	}
	return &generation{store: s, name: name, dir: path}, nil
}

// Names implements cachestore.Storage.
func (s *Store) Names(context.Context) ([]string, error) {
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	return s.names()
}

func (s *Store) names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || cachestore.ValidateName(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements cachestore.Storage.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	if err := cachestore.ValidateName(name); err != nil {
		return false, err
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	size, err := dirSize(path)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	s.bytes.Add(-size)
	return true, nil
}

// Match implements cachestore.Storage.
func (s *Store) Match(ctx context.Context, key string) (*cachestore.Entry, bool) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, false
	}
	for _, name := range names {
		g := &generation{store: s, name: name, dir: filepath.Join(s.dir, name)}
		if e, ok := g.Match(ctx, key); ok {
			return e, true
		}
	}
	return nil, false
}

// Close implements cachestore.Storage. The disk store holds no open handles.
func (s *Store) Close() error {
	return nil
}

// MaxBytes returns the configured quota (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current size of all entry files.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

func (s *Store) reserve(need int64) bool {
	if s.maxBytes <= 0 {
		s.bytes.Add(need)
		return true
	}
	for {
		cur := s.bytes.Load()
		if cur+need > s.maxBytes {
			return false
		}
		if s.bytes.CompareAndSwap(cur, cur+need) {
			return true
		}
	}
}

type generation struct {
	store *Store
	name  string
	dir   string
}

func (g *generation) Name() string { return g.name }

func (g *generation) Match(_ context.Context, key string) (*cachestore.Entry, bool) {
	path := g.path(key)
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a hash, not user input
	if err != nil {
		return nil, false
	}
	storedKey, e, err := record.Decode(data)
	if err == nil && storedKey != key {
		err = fmt.Errorf("%w: key %q stored at path of %q", cachestore.ErrCorrupt, storedKey, key)
	}
	if err == nil {
		err = e.Verify()
	}
	if err != nil {
		g.store.logger.Warn("dropping corrupt cache entry",
			slog.String("generation", g.name),
			slog.String("key", key),
			slog.Any("error", err))
		g.remove(path)
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

	s := g.store
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	if _, err := os.Stat(g.dir); err != nil {
		return fmt.Errorf("put %s: generation %s: %w", key, g.name, err)
	}

	path := g.path(key)
	var prevSize int64
	if info, err := os.Stat(path); err == nil {
		prevSize = info.Size()
	}
	need := int64(len(data)) - prevSize
	if need > 0 && !s.reserve(need) {
		return fmt.Errorf("put %s: %w (%d of %d bytes used)", key, cachestore.ErrQuotaExceeded, s.SizeBytes(), s.maxBytes)
	}
	release := func() {
		if need > 0 {
			s.bytes.Add(-need)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		release()
		return err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		release()
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		release()
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		release()
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		release()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		release()
		return err
	}
	if need < 0 {
		s.bytes.Add(need)
	}
	return nil
}

func (g *generation) Delete(_ context.Context, key string) error {
	g.remove(g.path(key))
	return nil
}

func (g *generation) remove(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if err := os.Remove(path); err == nil {
		g.store.bytes.Add(-info.Size())
	}
}

func (g *generation) Keys(context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(g.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // path comes from walking the cache directory
		if err != nil {
			return err
		}
		meta, err := record.DecodeMeta(data)
		if err != nil {
			return nil
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (g *generation) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexHash := hex.EncodeToString(sum[:])
	if g.store.shardPrefixLen <= 0 {
		return filepath.Join(g.dir, hexHash)
	}
	prefixLen := min(g.store.shardPrefixLen, len(hexHash))
	return filepath.Join(g.dir, hexHash[:prefixLen], hexHash)
}
