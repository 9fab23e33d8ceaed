package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"sync"
)

// Op names an [FS] method for fault injection.
type Op string

// Operations [Injected] can fail.
const (
	OpOpen            Op = "open"
	OpOpenFile        Op = "openfile"
	OpCreateTemp      Op = "createtemp"
	OpReadFile        Op = "readfile"
	OpWriteFileAtomic Op = "writefileatomic"
	OpReadDir         Op = "readdir"
	OpMkdirAll        Op = "mkdirall"
	OpStat            Op = "stat"
	OpExists          Op = "exists"
	OpRemove          Op = "remove"
	OpLink            Op = "link"
)

// InjectedError marks an error as intentionally injected by [Injected].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Err error
}

func (e *InjectedError) Error() string { return e.Err.Error() }

func (e *InjectedError) Unwrap() error { return e.Err }

// IsInjected reports whether err (or any wrapped error) was injected by
// [Injected]. Returns false if err is nil.
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Injected wraps an [FS] and fails selected operations on demand.
//
// Unlike random fault injection, a failure is armed for an operation and a
// path predicate and fires every time until [Injected.Clear], so a test can
// place a fault at one exact step of a protocol. Operations without a
// matching rule go to the wrapped FS.
//
// Injected is safe for concurrent use. Files it returns are the wrapped FS's
// files, so locks taken on them are real.
type Injected struct {
	fs FS

	mu    sync.Mutex
	rules []injectRule
}

type injectRule struct {
	op    Op
	match func(path string) bool
	err   error
}

// NewInjected wraps fsys. Nothing fails until [Injected.Fail] is called.
func NewInjected(fsys FS) *Injected {
	return &Injected{fs: fsys}
}

// Fail makes op fail with err for every path match accepts. A nil match
// accepts every path. For [OpCreateTemp] the path is the directory and for
// [OpLink] it is the new name.
func (f *Injected) Fail(op Op, match func(path string) bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = append(f.rules, injectRule{op: op, match: match, err: err})
}

// Clear removes every armed failure.
func (f *Injected) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = nil
}

func (f *Injected) fault(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.rules {
		if r.op == op && (r.match == nil || r.match(path)) {
			return &iofs.PathError{Op: string(op), Path: path, Err: &InjectedError{Err: r.err}}
		}
	}

	return nil
}

func (f *Injected) Open(path string) (File, error) {
	if err := f.fault(OpOpen, path); err != nil {
		return nil, err
	}

	return f.fs.Open(path)
}

func (f *Injected) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.fault(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.fs.OpenFile(path, flag, perm)
}

func (f *Injected) CreateTemp(dir, pattern string) (File, error) {
	if err := f.fault(OpCreateTemp, dir); err != nil {
		return nil, err
	}

	return f.fs.CreateTemp(dir, pattern)
}

func (f *Injected) ReadFile(path string) ([]byte, error) {
	if err := f.fault(OpReadFile, path); err != nil {
		return nil, err
	}

	return f.fs.ReadFile(path)
}

func (f *Injected) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.fault(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.fs.WriteFileAtomic(path, data, perm)
}

func (f *Injected) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.fault(OpReadDir, path); err != nil {
		return nil, err
	}

	return f.fs.ReadDir(path)
}

func (f *Injected) MkdirAll(path string, perm os.FileMode) error {
	if err := f.fault(OpMkdirAll, path); err != nil {
		return err
	}

	return f.fs.MkdirAll(path, perm)
}

func (f *Injected) Stat(path string) (os.FileInfo, error) {
	if err := f.fault(OpStat, path); err != nil {
		return nil, err
	}

	return f.fs.Stat(path)
}

func (f *Injected) Exists(path string) (bool, error) {
	if err := f.fault(OpExists, path); err != nil {
		return false, err
	}

	return f.fs.Exists(path)
}

func (f *Injected) Remove(path string) error {
	if err := f.fault(OpRemove, path); err != nil {
		return err
	}

	return f.fs.Remove(path)
}

func (f *Injected) Link(oldpath, newpath string) error {
	if err := f.fault(OpLink, newpath); err != nil {
		return err
	}

	return f.fs.Link(oldpath, newpath)
}

var _ FS = (*Injected)(nil)
