package meta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 200, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestWriteScanRoundTrip(t *testing.T) {
	s := newTestStore(t)
	blocks := []string{"aaa", "bbb"}
	require.NoError(t, s.Write("k1", "some prefix text", blocks, 16, "model-a"))

	records := s.Scan()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "k1", rec.Key)
	assert.Equal(t, "model-a", rec.ModelID)
	assert.Equal(t, 16, rec.WordsPerBlock)
	assert.Equal(t, len("some prefix text"), rec.PrefixLenChars)
	assert.Equal(t, blocks, rec.BlockHashes)
	assert.NotZero(t, rec.UpdatedAt)
}

func TestTouchBumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("k1", "text", []string{"a"}, 16, "m"))

	before := s.Get("k1")
	require.NotNil(t, before)

	// Force the stored timestamp backwards so the bump is observable.
	before.UpdatedAt -= 100
	require.NoError(t, s.writeRecord(before))

	s.Touch("k1")
	after := s.Get("k1")
	require.NotNil(t, after)
	assert.GreaterOrEqual(t, after.UpdatedAt, before.UpdatedAt+100)
}

func TestTouchMissingIsWarning(t *testing.T) {
	s := newTestStore(t)
	// Must not panic or create a file.
	s.Touch("nonexistent")
	assert.Empty(t, s.Scan())
}

func TestScanSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("good", "text", []string{"a"}, 16, "m"))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), metaFilename("bad")), []byte("{not json"), 0o644))

	records := s.Scan()
	require.Len(t, records, 1)
	assert.Equal(t, "good", records[0].Key)
}

func TestScanIgnoresForeignFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644))
	assert.Empty(t, s.Scan())
}

func TestScanNewestFirst(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("old", "t", []string{"a"}, 16, "m"))
	// Push the first file's mtime into the past; mtime ordering must hold
	// regardless of write order.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), metaFilename("old")), past, past))
	require.NoError(t, s.Write("new", "t", []string{"a"}, 16, "m"))

	records := s.Scan()
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].Key)
	assert.Equal(t, "old", records[1].Key)
}

func TestScanHonorsLimit(t *testing.T) {
	s, err := NewStore(t.TempDir(), 2, zerolog.Nop())
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write(k, "t", []string{"h"}, 16, "m"))
	}
	assert.Len(t, s.Scan(), 2)
}

func TestParseCacheSurvivesRewrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("k1", "t", []string{"a"}, 16, "m"))
	_ = s.Scan() // warm the parse cache

	require.NoError(t, s.Write("k1", "t", []string{"a", "b"}, 16, "m"))
	records := s.Scan()
	require.Len(t, records, 1)
	assert.Equal(t, []string{"a", "b"}, records[0].BlockHashes)
}

func TestSnapshotBasename(t *testing.T) {
	assert.Equal(t, "slotcache_abc.bin", SnapshotBasename("abc"))
}

func TestCleanupByAge(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("old", "t", []string{"a"}, 16, "m"))
	require.NoError(t, s.Write("fresh", "t", []string{"a"}, 16, "m"))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), metaFilename("old")), past, past))

	stats := s.Cleanup(24*time.Hour, 0, "")
	assert.Equal(t, 1, stats.RecordsRemoved)

	records := s.Scan()
	require.Len(t, records, 1)
	assert.Equal(t, "fresh", records[0].Key)
}

func TestCleanupRemovesSnapshots(t *testing.T) {
	s := newTestStore(t)
	snapDir := t.TempDir()
	require.NoError(t, s.Write("old", "t", []string{"a"}, 16, "m"))
	snapPath := filepath.Join(snapDir, SnapshotBasename("old"))
	require.NoError(t, os.WriteFile(snapPath, make([]byte, 100), 0o644))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), metaFilename("old")), past, past))

	stats := s.Cleanup(24*time.Hour, 0, snapDir)
	assert.Equal(t, 1, stats.RecordsRemoved)
	assert.Equal(t, 1, stats.SnapshotsRemoved)
	assert.Equal(t, int64(100), stats.BytesFreed)
	_, err := os.Stat(snapPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupBySize(t *testing.T) {
	s := newTestStore(t)
	snapDir := t.TempDir()

	for i, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write(k, "t", []string{"h"}, 16, "m"))
		require.NoError(t, os.WriteFile(filepath.Join(snapDir, SnapshotBasename(k)), make([]byte, 1000), 0o644))
		mt := time.Now().Add(-time.Duration(3-i) * time.Minute)
		require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), metaFilename(k)), mt, mt))
	}

	// 3000 bytes on disk, cap at 1500: the two oldest go.
	stats := s.Cleanup(0, 1500, snapDir)
	assert.Equal(t, 2, stats.RecordsRemoved)
	assert.Equal(t, 2, stats.SnapshotsRemoved)
	assert.Equal(t, int64(2000), stats.BytesFreed)

	records := s.Scan()
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].Key)
}

func TestCleanupToleratesMissingSnapshot(t *testing.T) {
	s := newTestStore(t)
	snapDir := t.TempDir()
	require.NoError(t, s.Write("k", "t", []string{"a"}, 16, "m"))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.Dir(), metaFilename("k")), past, past))

	stats := s.Cleanup(24*time.Hour, 0, snapDir)
	assert.Equal(t, 1, stats.RecordsRemoved)
	assert.Equal(t, 0, stats.SnapshotsRemoved)
}
