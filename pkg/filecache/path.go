package filecache

import (
	_ "crypto/sha256" // registers the digest algorithm
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Key is a logical cache key: the identity of a source plus the operation
// applied to it. Two keys name the same entry iff their bytes are equal.
type Key string

// NewKey joins a source identifier and an operation descriptor.
func NewKey(source, operation string) Key {
	return Key(source + "#" + operation)
}

// DigestLen is the length of the hex digest in an entry file name.
const DigestLen = 64

// PathBuilder derives entry paths from keys. It does no I/O.
type PathBuilder struct {
	dir    string
	prefix string
}

// NewPathBuilder returns a builder for entries named prefix+digest in dir.
//
// Leading separators are stripped from prefix. A prefix containing a separator
// anywhere else, or an empty dir, is rejected with [ErrConfiguration].
func NewPathBuilder(dir, prefix string) (*PathBuilder, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("%w: directory is empty", ErrConfiguration)
	}

	prefix = NormalizeSegment(prefix)
	if strings.ContainsRune(prefix, os.PathSeparator) {
		return nil, fmt.Errorf("%w: prefix %q contains a path separator", ErrConfiguration, prefix)
	}

	return &PathBuilder{dir: NormalizeDir(dir), prefix: prefix}, nil
}

// Dir returns the cache directory with exactly one trailing separator.
func (b *PathBuilder) Dir() string { return b.dir }

// Prefix returns the normalized file name prefix.
func (b *PathBuilder) Prefix() string { return b.prefix }

// Digest returns the fixed-width hex sha256 of the key's bytes.
func Digest(key Key) string {
	return digest.FromString(string(key)).Encoded()
}

// DerivePath returns dir/prefix+Digest(key).
//
// Returns [ErrInvalidKey] for an empty key or a key made solely of path
// separators.
func (b *PathBuilder) DerivePath(key Key) (string, error) {
	if NormalizeSegment(string(key)) == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, string(key))
	}

	return b.dir + b.prefix + Digest(key), nil
}

// Sibling returns dir/prefix+name, used for the bookkeeping files that share
// the cache directory with the entries.
func (b *PathBuilder) Sibling(name string) string {
	return b.dir + b.prefix + name
}

// IsEntryName reports whether a file name in the cache directory is an entry
// of this builder: prefix followed by exactly DigestLen hex characters.
func (b *PathBuilder) IsEntryName(name string) bool {
	hex, ok := strings.CutPrefix(name, b.prefix)
	if !ok || len(hex) != DigestLen {
		return false
	}

	return digest.NewDigestFromEncoded(digest.SHA256, hex).Validate() == nil
}

// NormalizeSegment strips all leading path separators, so a segment can never
// turn a joined path absolute.
func NormalizeSegment(s string) string {
	return strings.TrimLeft(s, string(os.PathSeparator))
}

// NormalizeDir cleans dir and makes it end in exactly one separator.
func NormalizeDir(dir string) string {
	dir = filepath.Clean(dir)
	if strings.HasSuffix(dir, string(os.PathSeparator)) {
		return dir
	}

	return dir + string(os.PathSeparator)
}
