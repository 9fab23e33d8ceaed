package filecache

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/dapcache/internal/fs"
)

const (
	// DefaultRetries is the default number of get-or-build attempts before
	// [ErrContentionExhausted].
	DefaultRetries = 8

	// DefaultWait is the default time one attempt waits for a peer builder.
	DefaultWait = 5 * time.Second
)

// Well-known cache names.
const (
	ResultsCache  = "ResultsCache"
	MetadataStore = "MetadataStore"
)

// DataRootKey names the key that relative cache subdirectories are joined to.
const DataRootKey = "Data.root"

// Config configures a [Store]. It is immutable once the store is built.
type Config struct {
	// Name identifies the cache in logs, metrics and errors.
	Name string

	// Dir is the cache directory. Required; it must already exist.
	Dir string

	// Prefix starts every entry file name, so several caches can share Dir.
	// Required; must not start with a path separator.
	Prefix string

	// MaxSize is the budget for the aggregate entry size in bytes. Required.
	MaxSize int64

	// Retries bounds get-or-build attempts. Zero means [DefaultRetries].
	Retries int

	// Wait bounds how long one attempt waits for a peer builder.
	// Zero means [DefaultWait].
	Wait time.Duration

	// Logger receives the store's logs. Nil discards them.
	Logger *slog.Logger

	// Metrics receives the store's counters. Nil records nothing.
	Metrics *Metrics

	// FS overrides the filesystem. Nil means the real one.
	FS fs.FS
}

func (c Config) withDefaults() Config {
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}

	if c.Wait == 0 {
		c.Wait = DefaultWait
	}

	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}

	if c.FS == nil {
		c.FS = fs.NewReal()
	}

	return c
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("%w: directory is not set", ErrConfiguration)
	}

	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix is not set", ErrConfiguration)
	}

	if strings.HasPrefix(c.Prefix, string(os.PathSeparator)) {
		return fmt.Errorf("%w: prefix %q starts with a path separator", ErrConfiguration, c.Prefix)
	}

	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be > 0, got %d", ErrConfiguration, c.MaxSize)
	}

	if c.Retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrConfiguration, c.Retries)
	}

	if c.Wait < 0 {
		return fmt.Errorf("%w: wait must be >= 0, got %s", ErrConfiguration, c.Wait)
	}

	info, err := c.FS.Stat(c.Dir)
	if err != nil {
		return fmt.Errorf("%w: cache directory: %w", ErrConfiguration, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: cache directory %s is not a directory", ErrConfiguration, c.Dir)
	}

	return nil
}

// Lookup resolves configuration keys such as "ResultsCache.dir".
type Lookup interface {
	Get(key string) (string, bool)
}

// ConfigFromLookup reads the settings of cache name from keys:
//
//	<name>.dir      cache directory
//	<name>.subdir   used when dir is unset, joined to Data.root
//	<name>.prefix   entry file name prefix
//	<name>.size     budget in megabytes
//	<name>.retries  optional attempt ceiling
//	<name>.wait     optional per-attempt wait, a Go duration
//
// Missing or empty required keys fail with [ErrConfiguration]; nothing is
// defaulted except retries and wait.
func ConfigFromLookup(name string, keys Lookup) (Config, error) {
	get := func(k string) string {
		v, _ := keys.Get(name + "." + k)

		return strings.TrimSpace(v)
	}

	cfg := Config{Name: name}

	cfg.Dir = get("dir")
	if cfg.Dir == "" {
		if sub := get("subdir"); sub != "" {
			root, _ := keys.Get(DataRootKey)
			if strings.TrimSpace(root) == "" {
				return Config{}, fmt.Errorf("%w: %s.subdir is set but %s is not", ErrConfiguration, name, DataRootKey)
			}

			cfg.Dir = filepath.Join(strings.TrimSpace(root), NormalizeSegment(sub))
		}
	}

	if cfg.Dir == "" {
		return Config{}, fmt.Errorf("%w: %s.dir is not set", ErrConfiguration, name)
	}

	cfg.Prefix = get("prefix")
	if cfg.Prefix == "" {
		return Config{}, fmt.Errorf("%w: %s.prefix is not set", ErrConfiguration, name)
	}

	size := get("size")
	if size == "" {
		return Config{}, fmt.Errorf("%w: %s.size is not set", ErrConfiguration, name)
	}

	mb, err := strconv.ParseInt(size, 10, 64)
	if err != nil || mb <= 0 {
		return Config{}, fmt.Errorf("%w: %s.size must be a positive number of megabytes, got %q", ErrConfiguration, name, size)
	}

	if mb > math.MaxInt64>>20 {
		return Config{}, fmt.Errorf("%w: %s.size %s megabytes does not fit in a byte count", ErrConfiguration, name, size)
	}

	cfg.MaxSize = mb << 20

	if v := get("retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: %s.retries must be a positive integer, got %q", ErrConfiguration, name, v)
		}

		cfg.Retries = n
	}

	if v := get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%w: %s.wait must be a positive duration, got %q", ErrConfiguration, name, v)
		}

		cfg.Wait = d
	}

	return cfg, nil
}
