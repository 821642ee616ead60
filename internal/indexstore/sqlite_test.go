package indexstore

import (
	"path/filepath"
	"testing"
)

// openTestSQLite opens an in-memory SQLiteStore for use in tests.
func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	t.Parallel()
	exerciseStore(t, openTestSQLite(t))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := quietContext()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, testSnapshot(t, 4, "fp-disk")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Load(ctx)
	if err != nil || got == nil {
		t.Fatalf("load after reopen: %v, %v", got, err)
	}
	if got.Len() != 4 || got.Fingerprint != "fp-disk" {
		t.Errorf("got len=%d fingerprint=%q", got.Len(), got.Fingerprint)
	}
}

func TestSQLiteStore_CorruptItemsTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	ctx := quietContext()
	s := openTestSQLite(t)

	if err := s.Save(ctx, testSnapshot(t, 3, "fp")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM snapshot_items WHERE position = 1`); err != nil {
		t.Fatalf("delete item: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load must not fail hard, got %v", err)
	}
	if got != nil {
		t.Errorf("expected absent for a snapshot with a missing item, got %d entries", got.Len())
	}
}

func TestSQLiteStore_CorruptIndexBlobTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	ctx := quietContext()
	s := openTestSQLite(t)

	if err := s.Save(ctx, testSnapshot(t, 3, "fp")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE snapshots SET index_blob = x'00'`); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}
	if got, _ := s.Load(ctx); got != nil {
		t.Error("expected absent for a corrupt index blob")
	}
}
