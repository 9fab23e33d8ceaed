// Package filecache is a disk-backed cache for derived data products, shared
// by any number of processes on one host.
//
// Each entry is one file named by the digest of its [Key]. Processes
// coordinate through advisory locks on the entry files themselves; there is
// no daemon and no shared memory.
//
// # Basic Usage
//
//	store, err := filecache.New(filecache.Config{
//	    Name:    "ResultsCache",
//	    Dir:     "/var/cache/dap",
//	    Prefix:  "dods_",
//	    MaxSize: 500 << 20,
//	})
//	if err != nil {
//	    // ErrConfiguration: run without a cache
//	}
//	defer store.Close()
//
//	entry, err := store.GetOrBuild(ctx, filecache.NewKey(dataset, expr), srcModTime,
//	    func(ctx context.Context, w io.Writer) error {
//	        return compute(ctx, w)
//	    })
//	if err != nil {
//	    return err
//	}
//	defer entry.Close()
//
//	io.Copy(out, entry.Reader())
//
// # Protocol
//
// A reader takes a shared lock on an existing entry. A miss creates the entry
// already exclusively locked, builds it, marks it committed and downgrades
// to shared without releasing. Peers that find an entry being built wait for
// that downgrade instead of building it again. A failed build removes the
// file before releasing the lock.
//
// An entry whose builder crashed is never committed and is purged by the next
// process that finds it.
//
// # Errors
//
// Failures of the cache itself ([ErrLock], [ErrContentionExhausted],
// [ErrUnavailable]) mean "compute directly". [ErrBuild] means the caller's
// computation failed.
package filecache
