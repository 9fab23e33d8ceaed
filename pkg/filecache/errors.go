package filecache

import (
	"errors"
	"strings"
)

// Sentinel errors returned by filecache operations.
//
// Callers should use [errors.Is] to tell a failed cache from a failed build:
//
//	entry, err := store.GetOrBuild(ctx, key, fresh, build)
//	if errors.Is(err, filecache.ErrBuild) {
//	    return err // the computation itself failed
//	}
//	if err != nil {
//	    // cache trouble: compute directly instead
//	}
var (
	// ErrConfiguration indicates missing or invalid cache settings.
	//
	// Returned by [New] and wrapped by [ErrUnavailable] in the [Registry].
	ErrConfiguration = errors.New("filecache: configuration")

	// ErrInvalidKey indicates a key that cannot be turned into an entry path,
	// such as an empty key or one made only of path separators.
	//
	// This is a programming error.
	ErrInvalidKey = errors.New("filecache: invalid key")

	// ErrLock indicates the OS locking primitive failed for a reason other
	// than contention (resource exhaustion, I/O error). Never reported as a miss.
	ErrLock = errors.New("filecache: lock")

	// ErrBuild indicates the caller's [BuildFunc] failed. The partial entry
	// has been discarded.
	ErrBuild = errors.New("filecache: build failed")

	// ErrContentionExhausted indicates the retry ceiling was reached while
	// waiting for peer builders.
	//
	// Recovery: compute directly instead of waiting longer.
	ErrContentionExhausted = errors.New("filecache: contention exhausted")

	// ErrUnavailable indicates a named cache could not be constructed and is
	// bypassed for the rest of the process lifetime.
	ErrUnavailable = errors.New("filecache: unavailable")

	// ErrClosed indicates the [Store] or [Entry] has already been closed.
	ErrClosed = errors.New("filecache: closed")
)

// Error carries the cache context of a failed operation.
//
// The underlying error message appears first, followed by the context:
//
//	filecache: build failed: exit status 1 (cache=ResultsCache key=ds#f(a) path=/var/cache/x3b9...)
//
// Use [errors.As] to extract structured fields and [errors.Is] to match the
// sentinel errors above.
type Error struct {
	// Cache is the configured cache name.
	Cache string

	// Key is the logical key of the entry, when known.
	Key Key

	// Path is the entry's file path, when known.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (cache=X key=Y path=Z)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()

	switch {
	case suffix == "":
		return cause
	case cause == "":
		return suffix
	default:
		return cause + " " + suffix
	}
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.Cache != "" {
		parts = append(parts, "cache="+e.Cache)
	}

	if e.Key != "" {
		parts = append(parts, "key="+string(e.Key))
	}

	if e.Path != "" {
		parts = append(parts, "path="+e.Path)
	}

	if len(parts) == 0 {
		return ""
	}

	return "(" + strings.Join(parts, " ") + ")"
}

// withContext attaches cache context at API boundaries.
//
// Only an *Error at the top of err is completed, and on a copy. An *Error
// deeper in the chain belongs to another store, such as a nested GetOrBuild
// inside a build, and is wrapped rather than changed.
func withContext(err error, cache string, key Key, path string) error {
	if err == nil {
		return nil
	}

	top, ok := err.(*Error) //nolint:errorlint // only the outermost *Error is ours to complete
	if !ok {
		return &Error{Cache: cache, Key: key, Path: path, Err: err}
	}

	filled := *top

	if filled.Cache == "" {
		filled.Cache = cache
	}

	if filled.Key == "" {
		filled.Key = key
	}

	if filled.Path == "" {
		filled.Path = path
	}

	return &filled
}
