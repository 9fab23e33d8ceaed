// Package fs provides the filesystem abstraction used by the cache engine.
//
// The main types are:
//   - [FS]: interface for the filesystem operations the cache performs
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
//   - [Locker]: cross-process shared/exclusive file locks
//
// Example usage:
//
//	fsys := fs.NewReal()
//	locker := fs.NewLocker(fsys)
//
//	lk, err := locker.TryRLockExisting(path)
//	if err != nil {
//	    return err
//	}
//	defer lk.Close()
//
//	data, _ := io.ReadAll(lk.File())
package fs

import (
	"io"
	"os"
)

// File represents an open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.ReaderAt], [io.Seeker], or [io.Closer].
type File interface {
	// Embedded interfaces from [io] package.
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	// Used for low-level operations like fcntl and flock.
	Fd() uintptr

	// Name returns the name the file was opened with. See [os.File.Name].
	Name() string

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Chmod changes the mode of the open file. See [os.File.Chmod].
	Chmod(mode os.FileMode) error

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations used for reading, writing, locking and
// removing cache entries.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection.
type FS interface {
	// --- File Operations ---

	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	//
	// Common flags: [os.O_RDONLY], [os.O_WRONLY], [os.O_RDWR],
	// [os.O_APPEND], [os.O_CREATE], [os.O_EXCL], [os.O_TRUNC].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// CreateTemp creates a new temporary file in dir. See [os.CreateTemp].
	// The file is created with mode 0600.
	CreateTemp(dir, pattern string) (File, error)

	// --- Convenience Methods ---

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to a file atomically.
	// Uses a temp file + rename so readers never see a partial file.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error

	// --- Directory Operations ---

	// ReadDir reads a directory and returns its entries. See [os.ReadDir].
	// Entries are sorted by name.
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// --- Metadata ---

	// Stat returns file info. See [os.Stat].
	// Returns [os.ErrNotExist] if file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// --- Mutations ---

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Link creates newpath as a hard link to oldpath. See [os.Link].
	// Fails with [os.ErrExist] if newpath already exists, which makes it an
	// atomic create-if-absent for a file that is already fully set up.
	Link(oldpath, newpath string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
