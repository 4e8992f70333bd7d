package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

const (
	metaPrefix     = "slotcache_"
	metaSuffix     = ".meta.json"
	snapshotSuffix = ".bin"

	// parseCacheSize bounds the mtime-keyed record parse cache. Scans hit the
	// same unchanged files over and over; re-decoding them every time is the
	// only cost worth avoiding here.
	parseCacheSize = 1024
)

// Record is the on-disk metadata for one content key. A record exists iff a
// snapshot file with the matching basename exists or existed; either side may
// be missing at any time and readers must tolerate that.
type Record struct {
	Key            string   `json:"key"`
	ModelID        string   `json:"model_id"`
	WordsPerBlock  int      `json:"words_per_block"`
	PrefixLenChars int      `json:"prefix_len_chars"`
	BlockHashes    []string `json:"blocks"`
	UpdatedAt      int64    `json:"updated_at"`
}

// SnapshotBasename returns the backend-side snapshot filename for a key. The
// proxy never opens this file; it only hands the basename to the backend.
func SnapshotBasename(key string) string {
	return metaPrefix + key + snapshotSuffix
}

// metaFilename returns the metadata filename for a key.
func metaFilename(key string) string {
	return metaPrefix + key + metaSuffix
}

// keyFromMetaFilename extracts the content key from a metadata basename, or
// "" if the name does not match the scheme.
func keyFromMetaFilename(name string) string {
	if !strings.HasPrefix(name, metaPrefix) || !strings.HasSuffix(name, metaSuffix) {
		return ""
	}
	return name[len(metaPrefix) : len(name)-len(metaSuffix)]
}

// cacheEntry pairs a parsed record with the file mtime it was parsed at.
type cacheEntry struct {
	mtime time.Time
	rec   *Record
}

// Store is a directory of per-key metadata files. All I/O is best-effort:
// failures are logged and reported, never escalated into request failures.
// Concurrent writers are safe at file granularity (last-writer-wins), which
// is acceptable because a record's payload is derived from its key.
type Store struct {
	dir       string
	scanLimit int
	logger    zerolog.Logger
	parsed    *lru.Cache[string, cacheEntry]
}

// NewStore creates the metadata directory if needed and returns a Store over
// it. scanLimit bounds how many records Scan returns (newest first).
func NewStore(dir string, scanLimit int, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating metadata directory %s: %w", dir, err)
	}
	if scanLimit < 1 {
		scanLimit = 1
	}
	parsed, err := lru.New[string, cacheEntry](parseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("meta: creating parse cache: %w", err)
	}
	return &Store{
		dir:       dir,
		scanLimit: scanLimit,
		logger:    logger.With().Str("component", "meta").Logger(),
		parsed:    parsed,
	}, nil
}

// Dir returns the metadata directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Write atomically replaces the metadata record for key.
func (s *Store) Write(key, prefixText string, blockHashes []string, wordsPerBlock int, modelID string) error {
	rec := Record{
		Key:            key,
		ModelID:        modelID,
		WordsPerBlock:  wordsPerBlock,
		PrefixLenChars: len(prefixText),
		BlockHashes:    blockHashes,
		UpdatedAt:      time.Now().Unix(),
	}
	return s.writeRecord(&rec)
}

// Touch re-reads the record for key, bumps updated_at, and rewrites it. A
// missing record is a warning, not an error: cleanup may have removed it
// between the save that created it and now.
func (s *Store) Touch(key string) {
	path := filepath.Join(s.dir, metaFilename(key))
	rec, err := s.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn().Str("key", shortKey(key)).Msg("touch: metadata record missing")
		} else {
			s.logger.Warn().Err(err).Str("key", shortKey(key)).Msg("touch: reading metadata record")
		}
		return
	}
	rec.UpdatedAt = time.Now().Unix()
	if err := s.writeRecord(rec); err != nil {
		s.logger.Warn().Err(err).Str("key", shortKey(key)).Msg("touch: rewriting metadata record")
	}
}

// Get returns the record for key, or nil if it does not exist or is corrupt.
func (s *Store) Get(key string) *Record {
	rec, err := s.readRecord(filepath.Join(s.dir, metaFilename(key)))
	if err != nil {
		return nil
	}
	return rec
}

// Scan enumerates metadata records sorted by file mtime descending, up to the
// scan limit. Corrupt records are skipped with a warning. The result need not
// be consistent with concurrent writes; callers tolerate stale entries.
func (s *Store) Scan() []*Record {
	files, err := s.listMetaFiles()
	if err != nil {
		s.logger.Warn().Err(err).Msg("scan: listing metadata directory")
		return nil
	}

	records := make([]*Record, 0, len(files))
	for _, f := range files {
		if len(records) >= s.scanLimit {
			break
		}
		rec, err := s.readRecord(f.path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", filepath.Base(f.path)).Msg("scan: skipping unreadable record")
			continue
		}
		records = append(records, rec)
	}
	return records
}

type metaFile struct {
	path  string
	mtime time.Time
	size  int64
}

// listMetaFiles returns metadata files sorted by mtime descending.
func (s *Store) listMetaFiles() ([]metaFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	files := make([]metaFile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || keyFromMetaFilename(e.Name()) == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, metaFile{
			path:  filepath.Join(s.dir, e.Name()),
			mtime: info.ModTime(),
			size:  info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	return files, nil
}

// readRecord loads and validates one record, going through the parse cache
// when the file mtime is unchanged.
func (s *Store) readRecord(path string) (*Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if entry, ok := s.parsed.Get(path); ok && entry.mtime.Equal(info.ModTime()) {
		return entry.rec, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	if rec.Key == "" {
		return nil, fmt.Errorf("record %s has no key", filepath.Base(path))
	}
	s.parsed.Add(path, cacheEntry{mtime: info.ModTime(), rec: &rec})
	return &rec, nil
}

// writeRecord marshals and atomically replaces the record's file.
func (s *Store) writeRecord(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding metadata record: %w", err)
	}
	path := filepath.Join(s.dir, metaFilename(rec.Key))
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	s.parsed.Remove(path)
	return nil
}

// shortKey truncates a content key for log fields.
func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
