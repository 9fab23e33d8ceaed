//go:build linux

package fs

import (
	"io"

	"golang.org/x/sys/unix"
)

var platformLock lockFunc = ofdLock

const platformAtomicDowngrade = true

// ofdLock applies a whole-file open file description lock.
//
// OFD locks conflict between open files rather than between processes, and
// F_OFD_SETLK on a file that already holds a write lock converts it to a read
// lock in one step.
func ofdLock(fd int, lt lockType, block bool) error {
	flk := unix.Flock_t{
		Whence: io.SeekStart,
		Start:  0,
		Len:    0, // whole file
	}

	switch lt {
	case sharedLock:
		flk.Type = unix.F_RDLCK
	case exclusiveLock:
		flk.Type = unix.F_WRLCK
	default:
		flk.Type = unix.F_UNLCK
	}

	cmd := unix.F_OFD_SETLK
	if block && lt != unlockLock {
		cmd = unix.F_OFD_SETLKW
	}

	return unix.FcntlFlock(uintptr(fd), cmd, &flk)
}
