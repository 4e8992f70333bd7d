package meta

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// CleanupStats reports what one cleanup pass removed.
type CleanupStats struct {
	RecordsRemoved   int
	SnapshotsRemoved int
	BytesFreed       int64
}

// Cleanup deletes metadata records older than maxAge, then, if the total
// snapshot size still exceeds maxTotalBytes, deletes oldest-first until under
// the cap. Snapshot files are removed only when snapshotMount names a local
// path to the backend's slot-save directory; otherwise only the metadata side
// goes and the backend keeps its files. A zero maxAge or maxTotalBytes
// disables the respective bound. Failures are logged and skipped.
func (s *Store) Cleanup(maxAge time.Duration, maxTotalBytes int64, snapshotMount string) CleanupStats {
	var stats CleanupStats

	files, err := s.listMetaFiles()
	if err != nil {
		s.logger.Warn().Err(err).Msg("cleanup: listing metadata directory")
		return stats
	}

	type candidate struct {
		metaFile
		key          string
		snapshotPath string
		snapshotSize int64
	}

	now := time.Now()
	candidates := make([]candidate, 0, len(files))
	var totalSnapshotBytes int64

	for _, f := range files {
		key := keyFromMetaFilename(filepath.Base(f.path))
		c := candidate{metaFile: f, key: key}
		if snapshotMount != "" {
			c.snapshotPath = filepath.Join(snapshotMount, SnapshotBasename(key))
			if info, err := os.Stat(c.snapshotPath); err == nil {
				c.snapshotSize = info.Size()
				totalSnapshotBytes += info.Size()
			}
		}
		candidates = append(candidates, c)
	}

	remove := func(c candidate) {
		if err := os.Remove(c.path); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("key", shortKey(c.key)).Msg("cleanup: removing metadata record")
			}
		} else {
			s.parsed.Remove(c.path)
			stats.RecordsRemoved++
		}
		if c.snapshotPath == "" {
			return
		}
		if err := os.Remove(c.snapshotPath); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("key", shortKey(c.key)).Msg("cleanup: removing snapshot file")
			}
			return
		}
		stats.SnapshotsRemoved++
		stats.BytesFreed += c.snapshotSize
		totalSnapshotBytes -= c.snapshotSize
	}

	// Age pass.
	kept := candidates[:0]
	for _, c := range candidates {
		if maxAge > 0 && now.Sub(c.mtime) > maxAge {
			remove(c)
			continue
		}
		kept = append(kept, c)
	}

	// Size pass: oldest first until under the cap. Only meaningful when the
	// snapshot mount is visible, since the cap is over snapshot bytes.
	if maxTotalBytes > 0 && snapshotMount != "" && totalSnapshotBytes > maxTotalBytes {
		sort.Slice(kept, func(i, j int) bool { return kept[i].mtime.Before(kept[j].mtime) })
		for _, c := range kept {
			if totalSnapshotBytes <= maxTotalBytes {
				break
			}
			remove(c)
		}
	}

	s.logger.Info().
		Int("records_removed", stats.RecordsRemoved).
		Int("snapshots_removed", stats.SnapshotsRemoved).
		Int64("bytes_freed", stats.BytesFreed).
		Msg("metadata cleanup completed")
	return stats
}
