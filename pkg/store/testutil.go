package store

import (
	"context"
	"path/filepath"
	"testing"
)

// OpenTest opens a fresh, migrated Store backed by a file in the test's
// temporary directory. SQLite's :memory: mode is avoided because the
// single-connection pool plus migrate's separate bookkeeping connection can
// otherwise see divergent in-memory databases; a real temp file sidesteps
// that without weakening the single-writer test guarantee.
func OpenTest(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "engine.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
