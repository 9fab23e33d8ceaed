package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by the Try* methods when the lock is held by another
	// open file (in this or another process), and by the *WithTimeout methods
	// when the acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")

	// ErrPathReplaced is returned by [Locker.RemoveLocked] when the file at
	// path is no longer the file the lock is held on.
	ErrPathReplaced = errors.New("locked file was replaced")

	// ErrLockClosed is returned when operating on a released [Lock].
	ErrLockClosed = errors.New("lock already released")

	// errInodeMismatch is an internal sentinel indicating the file was
	// replaced between open and lock. Callers should retry.
	errInodeMismatch = errors.New("inode mismatch")
)

// TempSuffix is the suffix of the staging files created by
// [Locker.CreateLocked]. A file with this suffix that nobody holds a lock on
// is an orphan left behind by a crashed process.
const TempSuffix = ".tmp"

// Locker provides cross-process shared/exclusive file locking.
//
// On Linux, locks are open file description locks (fcntl F_OFD_SETLK). They
// are owned by the open file, not by the process, so two files opened by
// different goroutines of one process conflict exactly like two processes do,
// and converting an exclusive lock to a shared one ([Lock.Downgrade]) is
// atomic. On other Unix systems flock(2) is used; there a downgrade may let a
// waiting writer in between the two steps, so the downgraded lock is verified
// to still guard its path.
//
// Locks are advisory and apply to an inode (an open file), not a pathname.
// All cooperating readers/writers must take the lock for it to have effect.
//
// Locker verifies that the file descriptor it locked still refers to the file
// currently at path at the moment the lock is acquired (protecting the
// open→lock window). If the file is replaced or unlinked after acquisition,
// the lock no longer guards the pathname.
//
// Exclusive locks open the file with O_RDWR; shared locks open with O_RDONLY.
//
// This implementation is Unix-only.
//
// Locker has no internal mutable state beyond its dependencies. It is safe for
// concurrent use as long as the underlying [FS] implementation is. Custom
// [FS]/[File] implementations must provide a real OS file descriptor via
// [File.Fd], and [File.Stat]/[FS.Stat] must return [os.FileInfo] whose Sys()
// is a *syscall.Stat_t for inode checking.
type Locker struct {
	fs   FS
	lock lockFunc

	// atomicDowngrade is false where [Lock.Downgrade] releases the lock
	// before taking the shared one.
	atomicDowngrade bool
}

// NewLocker creates a Locker that uses the given filesystem for file operations.
func NewLocker(fs FS) *Locker {
	return &Locker{
		fs:              fs,
		lock:            platformLock,
		atomicDowngrade: platformAtomicDowngrade,
	}
}

// Lock represents a held file lock. Call [Lock.Close] to release it.
//
// The locked file stays open for the lifetime of the lock and can be used
// for I/O through [Lock.File].
type Lock struct {
	mu     sync.Mutex
	file   File
	path   string
	lt     lockType
	locker *Locker
}

// File returns the open file the lock is held on, or nil once released.
func (lk *Lock) File() File {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	return lk.file
}

// Exclusive reports whether the lock is currently held exclusively.
func (lk *Lock) Exclusive() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	return lk.file != nil && lk.lt == exclusiveLock
}

// Downgrade converts a held exclusive lock into a shared lock.
//
// On Linux the conversion is atomic: no other open file can acquire the lock
// in between. Elsewhere the lock is briefly released, and Downgrade returns
// [ErrPathReplaced] if the path no longer names the locked file afterwards.
// The shared lock is held either way; the caller still has to Close it.
//
// Downgrading a shared lock is a no-op.
func (lk *Lock) Downgrade() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return ErrLockClosed
	}

	if lk.lt == sharedLock {
		return nil
	}

	if err := lockRetryEINTR(lk.locker.lock, int(lk.file.Fd()), sharedLock, true); err != nil {
		return fmt.Errorf("downgrading lock: %w", err)
	}

	lk.lt = sharedLock

	if lk.locker.atomicDowngrade {
		return nil
	}

	match, err := lk.locker.inodeMatchesPath(lk.path, lk.file)
	if errors.Is(err, os.ErrNotExist) {
		match, err = false, nil
	}

	if err != nil {
		return fmt.Errorf("verifying downgraded lock: %w", err)
	}

	if !match {
		return fmt.Errorf("%w: %s changed while downgrading", ErrPathReplaced, lk.path)
	}

	return nil
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent - calling it multiple times is safe and subsequent calls
// return nil.
//
// Closing the descriptor releases the lock even if the explicit unlock fails.
// If Close returns an error, treat it as "something went wrong during cleanup"
// and log it; retrying is unlikely to help.
//
// If both unlocking and closing fail, Close returns an error that wraps both
// underlying errors (see [errors.Join]).
func (lk *Lock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := lockRetryEINTR(lk.locker.lock, fd, unlockLock, false)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// Lock acquires an exclusive lock on the file at path, blocking until the lock
// is available.
//
// If the file or its parent directories do not exist, they are created lazily.
//
// This method blocks in the kernel with no timeout. Use
// [Locker.LockWithTimeout] or [Locker.TryLock] if you need a timeout or want to
// avoid unbounded blocking.
func (l *Locker) Lock(path string) (*Lock, error) {
	return l.lockBlocking(path, exclusiveLock)
}

// RLock acquires a shared (read) lock on the file at path, blocking until the
// lock is available.
//
// Multiple holders can keep shared locks simultaneously, but a shared lock
// blocks exclusive locks and vice versa.
func (l *Locker) RLock(path string) (*Lock, error) {
	return l.lockBlocking(path, sharedLock)
}

// LockWithTimeout attempts to acquire an exclusive lock, retrying with
// exponential backoff (1ms to 25ms) until the timeout expires.
//
// The timeout is best-effort: because this method polls and sleeps, it may
// overshoot slightly under scheduler delay.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) LockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, exclusiveLock, timeout, true)
}

// RLockWithTimeout attempts to acquire a shared lock, retrying with exponential
// backoff until the timeout expires.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *Locker) RLockWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, sharedLock, timeout, true)
}

// TryLock attempts to acquire an exclusive lock without blocking, creating
// the file if needed.
//
// Returns immediately with [ErrWouldBlock] if the lock cannot be acquired.
func (l *Locker) TryLock(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0, true)
}

// TryRLock attempts to acquire a shared lock without blocking, creating the
// file if needed.
//
// Returns immediately with [ErrWouldBlock] if an exclusive lock is held.
func (l *Locker) TryRLock(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, 0, true)
}

// TryLockExisting is [Locker.TryLock] for a file that must already exist.
//
// Returns an error satisfying [errors.Is] with [os.ErrNotExist] if there is
// no file at path. The file is never created.
func (l *Locker) TryLockExisting(path string) (*Lock, error) {
	return l.lockPolling(path, exclusiveLock, 0, false)
}

// TryRLockExisting is [Locker.TryRLock] for a file that must already exist.
//
// Returns an error satisfying [errors.Is] with [os.ErrNotExist] if there is
// no file at path (including when the file is unlinked while acquiring).
func (l *Locker) TryRLockExisting(path string) (*Lock, error) {
	return l.lockPolling(path, sharedLock, 0, false)
}

// RLockExistingWithTimeout waits up to timeout for a shared lock on a file
// that must already exist.
//
// Returns [os.ErrNotExist] (wrapped) as soon as the file disappears, which
// happens when the exclusive holder discards it, and [ErrWouldBlock] when the
// timeout expires.
func (l *Locker) RLockExistingWithTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	return l.lockPolling(path, sharedLock, timeout, false)
}

// CreateLocked creates a new file at path and returns it exclusively locked.
//
// The file is staged under a temporary name in the same directory, locked,
// and only then hard-linked to path, so no other open file can ever observe
// the new inode without the exclusive lock already being held. The staging
// name is removed afterwards.
//
// Returns an error satisfying [errors.Is] with [os.ErrExist] if a file is
// already present at path. The file is created with mode 0600.
func (l *Locker) CreateLocked(path string) (*Lock, error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}

	tmp, err := l.fs.CreateTemp(dir, base+".*"+TempSuffix)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}

	tmpPath := tmp.Name()
	fd := int(tmp.Fd())

	discard := func() {
		_ = tmp.Close()
		_ = l.fs.Remove(tmpPath)
	}

	if err := lockRetryEINTR(l.lock, fd, exclusiveLock, false); err != nil {
		discard()

		if isWouldBlock(err) {
			return nil, fmt.Errorf("%w: staging file %s", ErrWouldBlock, tmpPath)
		}

		return nil, fmt.Errorf("lock: %w", err)
	}

	if err := l.fs.Link(tmpPath, path); err != nil {
		_ = lockRetryEINTR(l.lock, fd, unlockLock, false)
		discard()

		return nil, err
	}

	// The entry is reachable through path now; a leftover staging name only
	// costs disk space and is swept as an orphan.
	_ = l.fs.Remove(tmpPath)

	return &Lock{file: tmp, path: path, lt: exclusiveLock, locker: l}, nil
}

// RemoveLocked unlinks path while lk is held on it.
//
// Returns [ErrPathReplaced] if the file at path is not the inode lk is held
// on (someone else removed and recreated it), in which case nothing is
// removed. The lock itself stays held; the caller still has to Close it.
func (l *Locker) RemoveLocked(path string, lk *Lock) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return ErrLockClosed
	}

	match, err := l.inodeMatchesPath(path, lk.file)
	if err != nil {
		return err
	}

	if !match {
		return fmt.Errorf("%w: %s", ErrPathReplaced, path)
	}

	return l.fs.Remove(path)
}

type lockType int

const (
	unlockLock lockType = iota
	sharedLock
	exclusiveLock
)

// lockFunc applies lt to fd. block selects waiting in the kernel instead of
// failing with EWOULDBLOCK/EAGAIN/EACCES on conflict.
type lockFunc func(fd int, lt lockType, block bool) error

// maxImmediateRetries caps how often a vanished or replaced file is retried
// without backoff before falling back to the normal polling schedule.
const maxImmediateRetries = 16

type lockMode int

const (
	lockModeBlocking lockMode = iota + 1
	lockModeNonBlocking
)

func (l *Locker) lockBlocking(path string, lt lockType) (*Lock, error) {
	for {
		file, err := l.openLockFile(path, lt, true)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = l.acquire(file, path, lt, lockModeBlocking)
		if err == nil {
			return &Lock{file: file, path: path, lt: lt, locker: l}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// lockPolling attempts to acquire a lock using non-blocking calls with retries.
//
//   - timeout == 0: try once (TryLock behavior)
//   - timeout > 0: retry with backoff until timeout (LockWithTimeout behavior)
//   - create == false: a missing file is reported as os.ErrNotExist
func (l *Locker) lockPolling(path string, lt lockType, timeout time.Duration, create bool) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond
	replaced := 0

	for {
		file, err := l.openLockFile(path, lt, create)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}

		err = l.acquire(file, path, lt, lockModeNonBlocking)
		if err == nil {
			return &Lock{file: file, path: path, lt: lt, locker: l}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrWouldBlock) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		// Without create, a replaced file is retried at once: the next open
		// either finds the new inode or reports the file as gone.
		if errors.Is(err, errInodeMismatch) && !create && replaced < maxImmediateRetries {
			replaced++

			continue
		}

		if timeout == 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: lock file was replaced while acquiring lock", ErrWouldBlock)
			}

			return nil, ErrWouldBlock
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if errors.Is(err, errInodeMismatch) {
				return nil, fmt.Errorf("%w: timed out after %s (lock file was replaced while acquiring lock)", ErrWouldBlock, timeout)
			}

			return nil, fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
		}

		sleep := min(backoff, remaining)

		time.Sleep(sleep)

		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}

// acquire attempts to lock the given file and verify the inode still matches
// path. On success, the file is locked and ready to use. On failure, the file
// is unlocked (if needed) but NOT closed - the caller must close it.
//
// Returns:
//   - nil: lock acquired successfully
//   - ErrWouldBlock: lock held elsewhere (only when mode==lockModeNonBlocking)
//   - errInodeMismatch: file at path was replaced or removed, caller should retry
//   - other error: something went wrong
func (l *Locker) acquire(file File, path string, lt lockType, mode lockMode) error {
	fd := int(file.Fd())

	if err := lockRetryEINTR(l.lock, fd, lt, mode == lockModeBlocking); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return fmt.Errorf("lock: %w", err)
	}

	match, err := l.inodeMatchesPath(path, file)
	if err != nil {
		_ = lockRetryEINTR(l.lock, fd, unlockLock, false)
		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = lockRetryEINTR(l.lock, fd, unlockLock, false)

		return errInodeMismatch
	}

	return nil
}

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

func (l *Locker) openLockFile(path string, lt lockType, create bool) (File, error) {
	flag := openFlagForLockType(lt)
	if !create {
		return l.fs.OpenFile(path, flag, 0)
	}

	f, err := l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := l.fs.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return l.fs.OpenFile(path, flag|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath verifies that f (the open file descriptor we're about to
// use as the lock) still refers to the file currently at path.
//
// Locks belong to an inode, not a pathname. A pathname can be replaced while
// you're acquiring the lock (or while you're blocked waiting): a purge unlinks
// it and a builder links a new entry in its place. Then two holders can each
// believe they "locked the path" while coordinating on different inodes.
//
// This method compares (dev,inode) of the open fd (via File.Stat) to the
// current (dev,inode) at path (via [FS.Stat]). Callers use it immediately after
// locking; on mismatch they unlock and retry.
func (l *Locker) inodeMatchesPath(path string, f File) (bool, error) {
	openInfo, err := f.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := l.fs.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("fs.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// isWouldBlock reports a lock conflict. fcntl reports conflicts as EAGAIN or
// EACCES depending on the platform, flock as EWOULDBLOCK.
func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EACCES)
}

func openFlagForLockType(lt lockType) int {
	if lt == sharedLock {
		return os.O_RDONLY
	}

	return os.O_RDWR
}

// lockRetryEINTR wraps lock, retrying on EINTR.
//
// EINTR means the syscall was interrupted by a signal before it could complete.
// Signals like SIGCHLD or SIGURG (used by the Go runtime for preemption) can
// interrupt any blocking syscall; the call didn't fail, it just needs to be
// retried.
//
// Retries are capped to avoid spinning forever under pathological signal
// storms.
func lockRetryEINTR(lock lockFunc, fd int, lt lockType, block bool) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = lock(fd, lt, block)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
