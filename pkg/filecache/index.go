package filecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinalkan/dapcache/internal/fs"
)

const (
	indexName     = "index.json"
	indexLockName = "index.lock"
	evictLockName = "evict.lock"
)

// indexLockTimeout bounds how long an index update waits for a peer's update.
const indexLockTimeout = 2 * time.Second

// IndexRecord is what the key index remembers about one entry.
type IndexRecord struct {
	Key     Key       `json:"key"`
	BuiltAt time.Time `json:"built_at"`
}

// keyIndex maps entry digests back to the keys they were built for, which the
// file names alone cannot provide.
//
// The index is advisory: it may miss entries or name entries that are gone,
// and nothing in the get-or-build path depends on it.
type keyIndex struct {
	fs       fs.FS
	locker   *fs.Locker
	path     string
	lockPath string
}

func newKeyIndex(fsys fs.FS, locker *fs.Locker, paths *PathBuilder) *keyIndex {
	return &keyIndex{
		fs:       fsys,
		locker:   locker,
		path:     paths.Sibling(indexName),
		lockPath: paths.Sibling(indexLockName),
	}
}

// load reads the index. A missing index is empty.
func (ix *keyIndex) load() (map[string]IndexRecord, error) {
	data, err := ix.fs.ReadFile(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]IndexRecord{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading key index: %w", err)
	}

	records := map[string]IndexRecord{}
	if len(data) == 0 {
		return records, nil
	}

	if err := json.Unmarshal(data, &records); err != nil {
		// A damaged index is rebuilt from scratch by later updates.
		return map[string]IndexRecord{}, nil
	}

	return records, nil
}

// update applies fn to the index under the index lock and rewrites it
// atomically, so concurrent readers see either the old or the new index.
func (ix *keyIndex) update(fn func(records map[string]IndexRecord)) error {
	lk, err := ix.locker.LockWithTimeout(ix.lockPath, indexLockTimeout)
	if err != nil {
		return fmt.Errorf("locking key index: %w", err)
	}

	defer func() { _ = lk.Close() }()

	records, err := ix.load()
	if err != nil {
		return err
	}

	fn(records)

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key index: %w", err)
	}

	if err := ix.fs.WriteFileAtomic(ix.path, data, committedPerm); err != nil {
		return fmt.Errorf("writing key index: %w", err)
	}

	return nil
}
