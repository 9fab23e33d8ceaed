//go:build unix && !linux

package fs

import "golang.org/x/sys/unix"

var platformLock lockFunc = flockLock

const platformAtomicDowngrade = false

// flockLock maps lock types onto flock(2). flock converts between shared and
// exclusive by releasing first, so [Lock.Downgrade] is not atomic here.
func flockLock(fd int, lt lockType, block bool) error {
	var how int

	switch lt {
	case sharedLock:
		how = unix.LOCK_SH
	case exclusiveLock:
		how = unix.LOCK_EX
	default:
		return unix.Flock(fd, unix.LOCK_UN)
	}

	if !block {
		how |= unix.LOCK_NB
	}

	return unix.Flock(fd, how)
}
