package filecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/calvinalkan/dapcache/internal/fs"
)

// orphanAge is how old an unlocked staging file must be before eviction
// removes it. Live builders hold their staging file locked for at most the
// instant between create and link.
const orphanAge = time.Minute

// EntryInfo describes one entry file found by a directory scan.
type EntryInfo struct {
	Path    string
	Digest  string
	Size    int64
	ModTime time.Time
}

// EvictResult summarizes one eviction pass.
type EvictResult struct {
	// Contended is set when another evictor held the cache's eviction lock
	// and this pass did nothing.
	Contended bool

	Removed      int
	RemovedBytes int64

	// Skipped counts entries held by a reader or builder.
	Skipped int

	// Orphans counts staging files of crashed builders that were swept.
	Orphans int

	// Total is the aggregate entry size when the pass ended.
	Total int64

	// Evicted lists the removed entries, oldest first.
	Evicted []EntryInfo
}

// Ledger accounts the aggregate size of a cache directory and evicts entries
// to keep it within budget.
//
// The directory is the only source of truth: every total is computed by a
// fresh scan, so peers in other processes are accounted for and nothing is
// lost across restarts.
type Ledger struct {
	fs       fs.FS
	locker   *fs.Locker
	files    *LockedFiles
	paths    *PathBuilder
	maxBytes int64
	log      *slog.Logger
}

// NewLedger returns a ledger for the entries of paths with the given budget.
func NewLedger(fsys fs.FS, locker *fs.Locker, paths *PathBuilder, maxBytes int64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Ledger{
		fs:       fsys,
		locker:   locker,
		files:    NewLockedFiles(locker),
		paths:    paths,
		maxBytes: maxBytes,
		log:      logger,
	}
}

// MaxBytes returns the configured budget.
func (l *Ledger) MaxBytes() int64 { return l.maxBytes }

// Account records a newly committed entry and returns the aggregate size of
// the cache directory.
func (l *Ledger) Account(path string, size int64) (int64, error) {
	_, total, err := l.Scan()
	if err != nil {
		return 0, fmt.Errorf("accounting %s: %w", path, err)
	}

	l.log.Debug("accounted entry", "path", path, "size", size, "total", total, "budget", l.maxBytes)

	return total, nil
}

// OverBudget reports whether total exceeds the configured maximum.
func (l *Ledger) OverBudget(total int64) bool {
	return total > l.maxBytes
}

// Scan lists the entries in the cache directory, oldest first, and returns
// their aggregate size.
//
// Entries with equal modification times are ordered by path so eviction order
// does not depend on directory order.
func (l *Ledger) Scan() ([]EntryInfo, int64, error) {
	entries, _, total, err := l.scan()

	return entries, total, err
}

func (l *Ledger) scan() ([]EntryInfo, []EntryInfo, int64, error) {
	dirents, err := l.fs.ReadDir(l.paths.Dir())
	if err != nil {
		return nil, nil, 0, fmt.Errorf("scanning cache directory: %w", err)
	}

	var (
		entries []EntryInfo
		orphans []EntryInfo
		total   int64
	)

	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasPrefix(name, l.paths.Prefix()) {
			continue
		}

		isEntry := l.paths.IsEntryName(name)
		isOrphan := !isEntry && strings.HasSuffix(name, fs.TempSuffix)

		if !isEntry && !isOrphan {
			continue
		}

		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return nil, nil, 0, fmt.Errorf("stat %s: %w", name, err)
		}

		e := EntryInfo{
			Path:    l.paths.Dir() + name,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		if isOrphan {
			orphans = append(orphans, e)

			continue
		}

		e.Digest = strings.TrimPrefix(name, l.paths.Prefix())
		entries = append(entries, e)
		total += e.Size
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ModTime.Before(entries[j].ModTime)
		}

		return entries[i].Path < entries[j].Path
	})

	return entries, orphans, total, nil
}

// EvictUntilUnderBudget removes entries oldest first until the aggregate size
// is within budget or no evictable entry remains.
//
// Entries held by any reader or builder are skipped, never waited for. Only
// one evictor per cache runs at a time; a pass that finds another one running
// returns with Contended set. Ending over budget is logged, not an error.
func (l *Ledger) EvictUntilUnderBudget(ctx context.Context) (EvictResult, error) {
	var res EvictResult

	guard, err := l.locker.TryLock(l.paths.Sibling(evictLockName))
	if errors.Is(err, fs.ErrWouldBlock) {
		res.Contended = true
		l.log.Debug("eviction already running elsewhere")

		return res, nil
	}

	if err != nil {
		return res, fmt.Errorf("%w: eviction lock: %w", ErrLock, err)
	}

	defer func() { _ = guard.Close() }()

	entries, orphans, total, err := l.scan()
	if err != nil {
		return res, err
	}

	res.Orphans = l.sweepOrphans(orphans)

	for _, e := range entries {
		if total <= l.maxBytes {
			break
		}

		if err := ctx.Err(); err != nil {
			res.Total = total

			return res, err
		}

		h, err := l.files.TryExclusiveExisting(e.Path)
		if err != nil {
			res.Total = total

			return res, err
		}

		if h == nil {
			if ok, _ := l.fs.Exists(e.Path); !ok {
				// Purged by a peer since the scan.
				total -= e.Size

				continue
			}

			res.Skipped++

			continue
		}

		removed, err := l.files.Remove(h)
		_ = h.Close()

		if err != nil {
			l.log.Warn("evicting entry", "path", e.Path, "err", err)

			continue
		}

		if !removed {
			continue
		}

		total -= e.Size
		res.Removed++
		res.RemovedBytes += e.Size
		res.Evicted = append(res.Evicted, e)

		l.log.Debug("evicted entry", "path", e.Path, "size", e.Size)
	}

	res.Total = total

	if l.OverBudget(total) {
		l.log.Warn("cache still over budget after eviction",
			"total", total, "budget", l.maxBytes, "skipped", res.Skipped)
	}

	return res, nil
}

func (l *Ledger) sweepOrphans(orphans []EntryInfo) int {
	swept := 0

	for _, o := range orphans {
		if time.Since(o.ModTime) < orphanAge {
			continue
		}

		h, err := l.files.TryExclusiveExisting(o.Path)
		if err != nil || h == nil {
			continue
		}

		if removed, _ := l.files.Remove(h); removed {
			swept++
		}

		_ = h.Close()
	}

	if swept > 0 {
		l.log.Info("swept orphaned staging files", "count", swept)
	}

	return swept
}
