package filecache

import "time"

// SourceFreshness returns the modification time of the source file at path
// for use as the freshness argument of [Store.GetOrBuild]. The source is
// stat'ed through the store's filesystem.
//
// If the source cannot be stat'ed (for example it was deleted) the zero time
// is returned, so cached entries derived from it are reused rather than
// rebuilt.
func (s *Store) SourceFreshness(path string) time.Time {
	info, err := s.fs.Stat(path)
	if err != nil {
		return time.Time{}
	}

	return info.ModTime()
}
