package filecache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinalkan/dapcache/internal/fs"
)

// LockMode is the lock a [Handle] currently holds.
type LockMode int

const (
	// Released means the handle no longer holds a lock.
	Released LockMode = iota
	// Shared is held by any number of readers of a committed entry.
	Shared
	// Exclusive is held by the single builder of an entry.
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return "released"
	}
}

const (
	pendingPerm   os.FileMode = 0o600
	committedPerm os.FileMode = 0o644
)

var errNotExclusive = errors.New("handle is not exclusively locked")

// Handle is a lock held on one entry file, together with the open file.
//
// A Handle is released exactly once by [Handle.Close], whichever path ends
// its use; further calls are no-ops.
type Handle struct {
	path string
	lk   *fs.Lock
}

// Path returns the entry path the handle was acquired for.
func (h *Handle) Path() string { return h.path }

// Mode returns the lock currently held.
func (h *Handle) Mode() LockMode {
	switch {
	case h.lk.File() == nil:
		return Released
	case h.lk.Exclusive():
		return Exclusive
	default:
		return Shared
	}
}

// Write appends to the entry. Only the exclusive holder may write.
func (h *Handle) Write(p []byte) (int, error) {
	f := h.lk.File()
	if f == nil {
		return 0, ErrClosed
	}

	if !h.lk.Exclusive() {
		return 0, errNotExclusive
	}

	return f.Write(p)
}

// ReadAt reads from the held file.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	f := h.lk.File()
	if f == nil {
		return 0, ErrClosed
	}

	return f.ReadAt(p, off)
}

// Stat returns the file info of the held inode, which stays valid even after
// the path has been purged.
func (h *Handle) Stat() (os.FileInfo, error) {
	f := h.lk.File()
	if f == nil {
		return nil, ErrClosed
	}

	return f.Stat()
}

// Downgrade converts the exclusive lock into a shared one with no unlocked
// window. This is the moment a built entry becomes visible to readers.
func (h *Handle) Downgrade() error {
	if err := h.lk.Downgrade(); err != nil {
		if errors.Is(err, fs.ErrLockClosed) {
			return ErrClosed
		}

		return fmt.Errorf("%w: %w", ErrLock, err)
	}

	return nil
}

// Close releases the lock and closes the file. It is idempotent.
func (h *Handle) Close() error {
	if err := h.lk.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrLock, err)
	}

	return nil
}

// commit marks the entry as completely written. The caller must still hold
// the exclusive lock.
func (h *Handle) commit() error {
	f := h.lk.File()
	if f == nil {
		return ErrClosed
	}

	if !h.lk.Exclusive() {
		return errNotExclusive
	}

	return f.Chmod(committedPerm)
}

// LockedFiles acquires [Handle]s on entry paths.
//
// All methods report contention and absence as a nil Handle with a nil error.
// A non-nil error always means the locking primitive itself failed and wraps
// [ErrLock].
type LockedFiles struct {
	locker *fs.Locker
}

// NewLockedFiles returns a LockedFiles using locker.
func NewLockedFiles(locker *fs.Locker) *LockedFiles {
	return &LockedFiles{locker: locker}
}

// TryShared returns a shared handle on an existing entry without waiting.
// Returns nil if the file does not exist or is exclusively held.
func (l *LockedFiles) TryShared(path string) (*Handle, error) {
	lk, err := l.locker.TryRLockExisting(path)

	return l.result(path, lk, err)
}

// waitSlice bounds a single lock wait so a cancelled context is noticed
// between polls.
const waitSlice = 50 * time.Millisecond

// WaitShared waits up to timeout for the exclusive holder of path to
// downgrade or discard the entry. The wait ends early when ctx is done, and
// never outlasts ctx's deadline.
//
// Returns nil, nil if the entry is absent or was discarded while waiting, an
// error wrapping [fs.ErrWouldBlock] if the timeout expires, and ctx's error
// if ctx ends first.
func (l *LockedFiles) WaitShared(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: timed out after %s", fs.ErrWouldBlock, timeout)
		}

		lk, err := l.locker.RLockExistingWithTimeout(path, min(remaining, waitSlice))
		if errors.Is(err, fs.ErrWouldBlock) {
			continue
		}

		return l.result(path, lk, err)
	}
}

// TryExclusive creates the entry at path and returns it exclusively locked.
// Returns nil if any file is already present at path: a peer is building it,
// or readers hold the committed copy.
//
// The new file carries the pending mode until [Handle] is committed.
func (l *LockedFiles) TryExclusive(path string) (*Handle, error) {
	lk, err := l.locker.CreateLocked(path)

	switch {
	case err == nil:
		return &Handle{path: path, lk: lk}, nil
	case errors.Is(err, os.ErrExist):
		return nil, nil
	default:
		// A missing cache directory is a fault here, not a miss.
		return nil, fmt.Errorf("%w: %w", ErrLock, err)
	}
}

// TryExclusiveExisting takes the exclusive lock on an existing entry without
// waiting, for removal. Returns nil if absent or held by anyone.
func (l *LockedFiles) TryExclusiveExisting(path string) (*Handle, error) {
	lk, err := l.locker.TryLockExisting(path)

	return l.result(path, lk, err)
}

// Remove unlinks the entry while h is held on it. Removing a path that now
// names a different file is refused and reported as not removed.
func (l *LockedFiles) Remove(h *Handle) (bool, error) {
	err := l.locker.RemoveLocked(h.path, h.lk)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrPathReplaced), errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("removing %s: %w", h.path, err)
	}
}

func (l *LockedFiles) result(path string, lk *fs.Lock, err error) (*Handle, error) {
	switch {
	case err == nil:
		return &Handle{path: path, lk: lk}, nil
	case errors.Is(err, fs.ErrWouldBlock), errors.Is(err, os.ErrNotExist):
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %w", ErrLock, err)
	}
}
