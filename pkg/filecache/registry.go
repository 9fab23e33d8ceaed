package filecache

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/calvinalkan/dapcache/internal/fs"
)

// RegistryOptions are applied to every store a [Registry] constructs.
type RegistryOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics
	FS      fs.FS
}

// Registry owns at most one [Store] per cache name for the life of a
// process. It is created by the program's composition root and passed to
// whoever needs a cache.
type Registry struct {
	keys Lookup
	opts RegistryOptions
	log  *slog.Logger

	mu    sync.Mutex
	slots map[string]registrySlot
}

// registrySlot remembers a constructed store or why construction failed.
type registrySlot struct {
	store *Store
	err   error
}

// NewRegistry returns a registry resolving cache settings through keys.
func NewRegistry(keys Lookup, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Registry{
		keys:  keys,
		opts:  opts,
		log:   logger,
		slots: make(map[string]registrySlot),
	}
}

// Instance returns the store for name, constructing it on first use.
//
// If construction fails the cache stays unavailable: this and every later call
// return an error wrapping [ErrUnavailable] and the cause, without retrying,
// until [Registry.Shutdown] forgets the name. Callers should compute directly
// instead of failing.
func (r *Registry) Instance(name string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot, ok := r.slots[name]; ok {
		return slot.store, slot.err
	}

	store, err := r.construct(name)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		r.log.Warn("cache unavailable, continuing uncached", "cache", name, "err", err)
	}

	r.slots[name] = registrySlot{store: store, err: err}

	return store, err
}

func (r *Registry) construct(name string) (*Store, error) {
	cfg, err := ConfigFromLookup(name, r.keys)
	if err != nil {
		return nil, withContext(err, name, "", "")
	}

	cfg.Logger = r.opts.Logger
	cfg.Metrics = r.opts.Metrics
	cfg.FS = r.opts.FS

	return New(cfg)
}

// Shutdown closes the store for name, if any, and forgets it. A later
// [Registry.Instance] constructs it again.
func (r *Registry) Shutdown(name string) error {
	r.mu.Lock()
	slot, ok := r.slots[name]
	delete(r.slots, name)
	r.mu.Unlock()

	if !ok || slot.store == nil {
		return nil
	}

	return slot.store.Close()
}

// ShutdownAll closes every store, in name order.
func (r *Registry) ShutdownAll() error {
	r.mu.Lock()
	names := make([]string, 0, len(r.slots))

	for name := range r.slots {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)

	var errs []error

	for _, name := range names {
		if err := r.Shutdown(name); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
