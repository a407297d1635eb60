// Package store implements the local block store (C3): a sharded,
// content-addressed on-disk key-value layer keyed by block hash, with
// byte-usage accounting and liveness-based garbage collection.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/mmalmi/hashtree-go/pkg/block"
)

// Errors returned by this package.
var (
	ErrNotFound    = errors.New("store: block not found")
	ErrStorageFull = errors.New("store: storage full")
)

// Store is a sharded on-disk block store. One Store instance is the single
// stateful owner of a hashtree node's block data; every other component
// reaches the disk only through it.
type Store struct {
	baseDir      string
	softCapBytes int64
	log          *logrus.Entry
	acct         *zap.SugaredLogger // byte-accounting log, separate from lifecycle log

	mu           sync.RWMutex // guards insertedAt and totalBytes together
	insertedAt   map[block.Hash]time.Time
	totalBytes   int64
	gcInProgress int32 // atomic; 0 or 1, prevents overlapping GC passes

	inflightMu sync.Mutex
	inflight   map[block.Hash]int // refcount of in-flight put/get per hash

	roots RootProvider // optional; nil disables opportunistic GC
}

// Option configures a Store at construction.
type Option func(*Store)

// WithRootProvider attaches the source of live roots used for opportunistic
// garbage collection. Without one, GC only runs when Store.GC is called with
// an explicit root list.
func WithRootProvider(rp RootProvider) Option {
	return func(s *Store) { s.roots = rp }
}

// WithAccountingLogger attaches a structured sink for per-block byte
// accounting (put/delete/GC sweep size), kept separate from the lifecycle
// logger so it can be routed or sampled independently.
func WithAccountingLogger(l *zap.SugaredLogger) Option {
	return func(s *Store) { s.acct = l }
}

// New opens (creating if necessary) a block store rooted at baseDir.
// softCapBytes is the opportunistic-GC threshold (0 disables opportunistic
// GC regardless of WithRootProvider).
func New(baseDir string, softCapBytes int64, log *logrus.Entry, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Store{
		baseDir:      baseDir,
		softCapBytes: softCapBytes,
		log:          log.WithField("component", "store"),
		insertedAt:   make(map[block.Hash]time.Time),
		inflight:     make(map[block.Hash]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	now := time.Now()
	return s.walkFiles(func(h block.Hash, size int64) error {
		s.mu.Lock()
		s.insertedAt[h] = now
		s.totalBytes += size
		s.mu.Unlock()
		return nil
	})
}

// shardPath returns the on-disk path for h: <base>/<2 hex>/<2 hex>/<64 hex>.blk.
func (s *Store) shardPath(h block.Hash) string {
	hex := h.String()
	return filepath.Join(s.baseDir, hex[0:2], hex[2:4], hex+".blk")
}

func (s *Store) acquireInflight(h block.Hash) {
	s.inflightMu.Lock()
	s.inflight[h]++
	s.inflightMu.Unlock()
}

func (s *Store) releaseInflight(h block.Hash) {
	s.inflightMu.Lock()
	s.inflight[h]--
	if s.inflight[h] <= 0 {
		delete(s.inflight, h)
	}
	s.inflightMu.Unlock()
}

// InflightSnapshot returns the set of hashes with a put or get currently in
// progress. The garbage collector adds these to its mark set so a sweep
// never reaps a block a concurrent caller is reading or writing.
func (s *Store) InflightSnapshot() map[block.Hash]struct{} {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	out := make(map[block.Hash]struct{}, len(s.inflight))
	for h := range s.inflight {
		out[h] = struct{}{}
	}
	return out
}

// Put writes data, addressed by its hash, and returns that hash. Put is
// idempotent: writing the same bytes twice is a no-op on the second call.
func (s *Store) Put(ctx context.Context, data []byte) (block.Hash, error) {
	h := block.Sum(data)
	s.acquireInflight(h)
	defer s.releaseInflight(h)

	if s.has(h) {
		return h, nil
	}

	if s.softCapBytes > 0 && s.roots != nil && s.currentBytes() > s.softCapBytes {
		if _, err := s.GC(ctx); err != nil {
			s.log.WithError(err).Warn("opportunistic gc failed")
		}
	}

	path := s.shardPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return block.Hash{}, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	tmp := path + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return block.Hash{}, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return block.Hash{}, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}

	s.mu.Lock()
	s.insertedAt[h] = time.Now()
	s.totalBytes += int64(len(data))
	total := s.totalBytes
	s.mu.Unlock()

	if s.acct != nil {
		s.acct.Infow("block stored", "hash", h.String(), "bytes", len(data), "total_bytes", total)
	}

	return h, nil
}

// Get retrieves the bytes addressed by h, or ErrNotFound.
func (s *Store) Get(ctx context.Context, h block.Hash) ([]byte, error) {
	s.acquireInflight(h)
	defer s.releaseInflight(h)

	data, err := os.ReadFile(s.shardPath(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: read %s: %w", h, err)
	}
	return data, nil
}

// Has reports whether h is present without reading its contents.
func (s *Store) Has(h block.Hash) bool { return s.has(h) }

func (s *Store) has(h block.Hash) bool {
	_, err := os.Stat(s.shardPath(h))
	return err == nil
}

// Delete removes h unconditionally. Used only by the garbage collector's
// sweep phase; application code never calls this directly.
func (s *Store) Delete(h block.Hash) error {
	path := s.shardPath(h)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.insertedAt, h)
	s.totalBytes -= info.Size()
	total := s.totalBytes
	s.mu.Unlock()
	if s.acct != nil {
		s.acct.Infow("block reaped", "hash", h.String(), "bytes", info.Size(), "total_bytes", total)
	}
	return nil
}

// Iter streams every hash currently in the store. The returned channel is
// closed when the walk completes or ctx is cancelled.
func (s *Store) Iter(ctx context.Context) <-chan block.Hash {
	out := make(chan block.Hash)
	go func() {
		defer close(out)
		_ = s.walkFiles(func(h block.Hash, _ int64) error {
			select {
			case out <- h:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out
}

func (s *Store) walkFiles(fn func(h block.Hash, size int64) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".blk" {
			return nil
		}
		hex := filepath.Base(path)
		hex = hex[:len(hex)-len(".blk")]
		h, err := parseHash(hex)
		if err != nil {
			return nil // skip stray files
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(h, info.Size())
	})
}

func parseHash(hexStr string) (block.Hash, error) {
	if len(hexStr) != block.HashSize*2 {
		return block.Hash{}, fmt.Errorf("store: bad hash filename %q", hexStr)
	}
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return block.Hash{}, err
	}
	var h block.Hash
	copy(h[:], raw)
	return h, nil
}

// TotalBytes returns the store's current byte usage.
func (s *Store) TotalBytes() int64 { return s.currentBytes() }

func (s *Store) currentBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalBytes
}

// InsertedAt returns when h was first written, if present.
func (s *Store) InsertedAt(h block.Hash) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.insertedAt[h]
	return t, ok
}

var _ io.Closer = (*Store)(nil)

// Close is a no-op; the store holds no file descriptors between calls. It
// exists so Store satisfies io.Closer for callers that manage it uniformly
// alongside network resources.
func (s *Store) Close() error { return nil }
