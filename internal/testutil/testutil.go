package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/assmoddevv/ouroboros/internal/state"
)

// OpenTestDB opens a migrated sqlite database in a per-test temp dir.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
