package filecache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/dapcache/internal/fs"
)

// BuildFunc writes the complete artifact for a missing entry to w.
//
// Returning an error discards everything written. The artifact format is
// opaque to the cache.
type BuildFunc func(ctx context.Context, w io.Writer) error

// Store is one named disk cache.
//
// A Store is safe for concurrent use by multiple goroutines, and any number
// of processes may open stores on the same directory and prefix: all
// coordination happens through locks on the entry files.
type Store struct {
	name    string
	fs      fs.FS
	paths   *PathBuilder
	files   *LockedFiles
	ledger  *Ledger
	index   *keyIndex
	retries int
	wait    time.Duration
	log     *slog.Logger
	metrics cacheMetrics

	mu       sync.Mutex
	closed   atomic.Bool
	evicting atomic.Bool
	bg       sync.WaitGroup
}

// New validates cfg and returns a store on its directory.
//
// Returns an error wrapping [ErrConfiguration] if a setting is missing or
// invalid, or the directory does not exist.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, withContext(err, cfg.Name, "", "")
	}

	paths, err := NewPathBuilder(cfg.Dir, cfg.Prefix)
	if err != nil {
		return nil, withContext(err, cfg.Name, "", "")
	}

	logger := cfg.Logger.With("cache", cfg.Name)
	locker := fs.NewLocker(cfg.FS)

	s := &Store{
		name:    cfg.Name,
		fs:      cfg.FS,
		paths:   paths,
		files:   NewLockedFiles(locker),
		ledger:  NewLedger(cfg.FS, locker, paths, cfg.MaxSize, logger),
		index:   newKeyIndex(cfg.FS, locker, paths),
		retries: cfg.Retries,
		wait:    cfg.Wait,
		log:     logger,
		metrics: cfg.Metrics.forCache(cfg.Name),
	}

	logger.Debug("cache opened", "dir", paths.Dir(), "prefix", paths.Prefix(), "budget", cfg.MaxSize)

	return s, nil
}

// Name returns the configured cache name.
func (s *Store) Name() string { return s.name }

// Paths returns the store's path builder.
func (s *Store) Paths() *PathBuilder { return s.paths }

// Ledger returns the store's size ledger.
func (s *Store) Ledger() *Ledger { return s.ledger }

// GetOrBuild returns the committed entry for key, building it with build if
// it is missing or stale.
//
// fresh is the recency of the source the entry derives from: an entry last
// modified before fresh is rebuilt. A zero fresh means the source's recency is
// unknown and any committed entry is reused.
//
// At most one caller across all processes runs build for a path at a time;
// the others wait for its result. The returned entry holds a shared lock and
// must be closed.
//
// Errors wrap [ErrInvalidKey], [ErrBuild], [ErrLock], [ErrContentionExhausted]
// or [ErrClosed], carrying cache context as [*Error].
func (s *Store) GetOrBuild(ctx context.Context, key Key, fresh time.Time, build BuildFunc) (*Entry, error) {
	if s.closed.Load() {
		return nil, withContext(ErrClosed, s.name, key, "")
	}

	path, err := s.paths.DerivePath(key)
	if err != nil {
		return nil, withContext(err, s.name, key, "")
	}

	entry, err := s.getOrBuild(ctx, key, path, fresh, build)
	if err != nil {
		return nil, withContext(err, s.name, key, path)
	}

	return entry, nil
}

func (s *Store) getOrBuild(ctx context.Context, key Key, path string, fresh time.Time, build BuildFunc) (*Entry, error) {
	for attempt := range s.retries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := s.fs.Stat(path)

		switch {
		case err == nil:
			if !isValid(info, fresh) {
				if _, err := s.purge(key, path, fresh, false); err != nil {
					s.log.Warn("purging stale entry", "path", path, "err", err)
				}
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("stat entry: %w", err)
		}

		h, err := s.files.TryShared(path)
		if err != nil {
			return nil, err
		}

		if h != nil {
			if entry := s.accept(key, path, h, fresh); entry != nil {
				return entry, nil
			}

			continue
		}

		h, err = s.files.TryExclusive(path)
		if err != nil {
			return nil, err
		}

		if h != nil {
			entry, err := s.build(ctx, key, path, h, build)
			if errors.Is(err, fs.ErrPathReplaced) {
				// The entry was purged while a non-atomic downgrade left
				// it unlocked.
				continue
			}

			return entry, err
		}

		s.metrics.waited()
		s.log.Debug("waiting for peer builder", "path", path, "attempt", attempt+1)

		h, err = s.files.WaitShared(ctx, path, s.wait)
		if errors.Is(err, fs.ErrWouldBlock) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if h != nil {
			if entry := s.accept(key, path, h, fresh); entry != nil {
				return entry, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrContentionExhausted, s.retries)
}

// accept validates the entry h is shared-locked on and turns it into a hit.
// An invalid entry is released and purged, and nil is returned.
func (s *Store) accept(key Key, path string, h *Handle, fresh time.Time) *Entry {
	info, err := h.Stat()
	if err == nil && isValid(info, fresh) {
		s.metrics.hit()
		s.log.Debug("cache hit", "path", path, "size", info.Size())

		return &Entry{Key: key, Path: path, Size: info.Size(), ModTime: info.ModTime(), h: h}
	}

	_ = h.Close()

	if _, err := s.purge(key, path, fresh, false); err != nil {
		s.log.Warn("purging invalid entry", "path", path, "err", err)
	}

	return nil
}

// build runs the build procedure into the exclusively locked new entry h and
// commits it. On any failure, including a panic in build, the entry is
// removed before the lock is released.
func (s *Store) build(ctx context.Context, key Key, path string, h *Handle, build BuildFunc) (*Entry, error) {
	committed := false

	defer func() {
		if !committed {
			s.discard(h)
		}
	}()

	s.log.Debug("building entry", "path", path)

	started := time.Now()
	bw := bufio.NewWriter(h)

	if err := build(ctx, bw); err != nil {
		s.metrics.buildFailed()

		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	if err := bw.Flush(); err != nil {
		s.metrics.buildFailed()

		return nil, fmt.Errorf("%w: writing entry: %w", ErrBuild, err)
	}

	info, err := h.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat built entry: %w", err)
	}

	if info.Size() == 0 {
		s.metrics.buildFailed()

		return nil, fmt.Errorf("%w: build produced no output", ErrBuild)
	}

	if err := h.commit(); err != nil {
		return nil, fmt.Errorf("committing entry: %w", err)
	}

	if err := h.Downgrade(); err != nil {
		return nil, err
	}

	committed = true

	s.metrics.built()
	s.log.Info("built entry", "path", path, "size", info.Size(), "took", time.Since(started))

	total, err := s.ledger.Account(path, info.Size())
	if err != nil {
		_ = h.Close()

		return nil, err
	}

	s.metrics.setSize(total)

	if s.ledger.OverBudget(total) {
		s.evictAsync()
	}

	if err := s.index.update(func(r map[string]IndexRecord) {
		r[Digest(key)] = IndexRecord{Key: key, BuiltAt: info.ModTime()}
	}); err != nil {
		s.log.Warn("updating key index", "err", err)
	}

	return &Entry{
		Key:     key,
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Built:   true,
		h:       h,
	}, nil
}

func (s *Store) discard(h *Handle) {
	if _, err := s.files.Remove(h); err != nil {
		s.log.Warn("discarding failed build", "path", h.Path(), "err", err)
	}

	_ = h.Close()
}

// isValid reports whether a committed entry can be served for a source last
// changed at fresh. Empty and uncommitted files are never valid.
func isValid(info os.FileInfo, fresh time.Time) bool {
	if info.Size() == 0 || info.Mode().Perm()&0o044 == 0 {
		return false
	}

	return fresh.IsZero() || !fresh.After(info.ModTime())
}

// IsValid reports whether the entry at path exists, is committed and
// non-empty, and is not older than fresh. A zero fresh is never newer.
func (s *Store) IsValid(path string, fresh time.Time) (bool, error) {
	info, err := s.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("stat entry: %w", err)
	}

	return isValid(info, fresh), nil
}

// Purge removes the entry for key. It reports false if there was nothing to
// remove or a builder currently holds the entry.
//
// Readers that hold the entry keep reading the removed file until they close it.
func (s *Store) Purge(key Key) (bool, error) {
	path, err := s.paths.DerivePath(key)
	if err != nil {
		return false, withContext(err, s.name, key, "")
	}

	removed, err := s.purge(key, path, time.Time{}, true)

	return removed, withContext(err, s.name, key, path)
}

// purge removes the entry at path without ever waiting.
//
// The exclusive lock is tried first. Failing that, a shared lock means only
// readers hold the entry and unlinking is safe for them. If neither is
// available a builder is mid-write and the entry is left alone. Unless force
// is set, an entry that turns out valid once locked is kept.
func (s *Store) purge(key Key, path string, fresh time.Time, force bool) (bool, error) {
	h, err := s.files.TryExclusiveExisting(path)
	if err != nil {
		return false, err
	}

	if h == nil {
		h, err = s.files.TryShared(path)
		if err != nil {
			return false, err
		}

		if h == nil {
			return false, nil
		}
	}

	defer func() { _ = h.Close() }()

	if !force {
		if info, err := h.Stat(); err == nil && isValid(info, fresh) {
			return false, nil
		}
	}

	removed, err := s.files.Remove(h)
	if err != nil || !removed {
		return false, err
	}

	s.metrics.purged()
	s.log.Info("purged entry", "path", path)

	if key != "" {
		if err := s.index.update(func(r map[string]IndexRecord) {
			delete(r, Digest(key))
		}); err != nil {
			s.log.Warn("updating key index", "err", err)
		}
	}

	return true, nil
}

// Evict runs one eviction pass now.
func (s *Store) Evict(ctx context.Context) (EvictResult, error) {
	res, err := s.ledger.EvictUntilUnderBudget(ctx)

	for _, e := range res.Evicted {
		s.metrics.evicted(e.Size)
	}

	if !res.Contended {
		s.metrics.setSize(res.Total)
	}

	if len(res.Evicted) > 0 {
		s.log.Info("evicted entries", "count", res.Removed, "bytes", res.RemovedBytes, "skipped", res.Skipped)

		if err := s.index.update(func(r map[string]IndexRecord) {
			for _, e := range res.Evicted {
				delete(r, e.Digest)
			}
		}); err != nil {
			s.log.Warn("updating key index", "err", err)
		}
	}

	if err != nil {
		return res, withContext(err, s.name, "", "")
	}

	return res, nil
}

// evictAsync starts a background eviction unless one is already running in
// this store. [Store.Close] waits for it.
func (s *Store) evictAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() || !s.evicting.CompareAndSwap(false, true) {
		return
	}

	s.bg.Add(1)

	go func() {
		defer s.bg.Done()
		defer s.evicting.Store(false)

		if _, err := s.Evict(context.Background()); err != nil {
			s.log.Warn("background eviction", "err", err)
		}
	}()
}

// Stats describes a store's directory at one point in time.
type Stats struct {
	Name       string
	Dir        string
	Prefix     string
	Entries    int
	TotalBytes int64
	MaxBytes   int64
}

// Stat scans the cache directory.
func (s *Store) Stat() (Stats, error) {
	entries, total, err := s.ledger.Scan()
	if err != nil {
		return Stats{}, withContext(err, s.name, "", "")
	}

	s.metrics.setSize(total)

	return Stats{
		Name:       s.name,
		Dir:        s.paths.Dir(),
		Prefix:     s.paths.Prefix(),
		Entries:    len(entries),
		TotalBytes: total,
		MaxBytes:   s.ledger.MaxBytes(),
	}, nil
}

// Listing is an entry found on disk, with its key when the index knows it.
type Listing struct {
	EntryInfo

	Key     Key
	BuiltAt time.Time
}

// Entries lists the entries on disk, oldest first.
func (s *Store) Entries() ([]Listing, error) {
	entries, _, err := s.ledger.Scan()
	if err != nil {
		return nil, withContext(err, s.name, "", "")
	}

	records, err := s.index.load()
	if err != nil {
		s.log.Warn("reading key index", "err", err)

		records = nil
	}

	out := make([]Listing, 0, len(entries))

	for _, e := range entries {
		l := Listing{EntryInfo: e}
		if r, ok := records[e.Digest]; ok {
			l.Key = r.Key
			l.BuiltAt = r.BuiltAt
		}

		out = append(out, l)
	}

	return out, nil
}

// Close stops the store and waits for background eviction. Entries returned
// earlier stay valid until they are closed themselves.
func (s *Store) Close() error {
	s.mu.Lock()
	already := s.closed.Swap(true)
	s.mu.Unlock()

	if already {
		return nil
	}

	s.bg.Wait()
	s.log.Debug("cache closed")

	return nil
}
