package testutil

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/slotcached/internal/config"
	"github.com/allaspectsdev/slotcached/internal/meta"
	"github.com/allaspectsdev/slotcached/internal/store"
)

// Logger returns a silent logger for tests.
func Logger() zerolog.Logger {
	return zerolog.Nop()
}

// NewTestStore creates a temporary SQLite journal for testing. The store is
// automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestMetaStore creates a metadata store over a temporary directory.
func NewTestMetaStore(t *testing.T) *meta.Store {
	t.Helper()
	ms, err := meta.NewStore(t.TempDir(), 200, Logger())
	if err != nil {
		t.Fatalf("failed to create test meta store: %v", err)
	}
	return ms
}

// NewTestConfig returns a minimal valid config for testing.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	return cfg
}
