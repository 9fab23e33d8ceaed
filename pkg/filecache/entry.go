package filecache

import (
	"fmt"
	"io"
	"time"
)

// Entry is a committed cache entry returned by [Store.GetOrBuild].
//
// The entry holds a shared lock until [Entry.Close], so its content cannot be
// evicted or replaced while in use. Content stays readable even if the path is
// purged in the meantime.
type Entry struct {
	Key     Key
	Path    string
	Size    int64
	ModTime time.Time

	// Built is set when this call ran the build procedure.
	Built bool

	h *Handle
}

// Handle returns the shared lock handle held by the entry.
func (e *Entry) Handle() *Handle { return e.h }

// Reader returns a reader over the entry's content. Readers are independent;
// each starts at offset zero.
func (e *Entry) Reader() io.ReadSeeker {
	return io.NewSectionReader(e.h, 0, e.Size)
}

// Bytes reads the whole entry.
func (e *Entry) Bytes() ([]byte, error) {
	buf := make([]byte, e.Size)

	if _, err := io.ReadFull(e.Reader(), buf); err != nil {
		return nil, fmt.Errorf("reading entry %s: %w", e.Path, err)
	}

	return buf, nil
}

// Close releases the entry's shared lock. It is idempotent.
func (e *Entry) Close() error {
	return e.h.Close()
}
