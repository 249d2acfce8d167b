package persistence

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndList(t *testing.T) {
	s := openTestStore(t)

	err := s.Upsert(SessionRow{ID: "abc", Identity: "fp-1", StoragePath: "/tmp/abc"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].ID != "abc" || rows[0].Identity != "fp-1" || rows[0].StoragePath != "/tmp/abc" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if rows[0].CreatedAt == "" || rows[0].LastActivity == "" {
		t.Fatalf("expected timestamps to be filled: %+v", rows[0])
	}
}

func TestUpsertReplaces(t *testing.T) {
	s := openTestStore(t)

	_ = s.Upsert(SessionRow{ID: "abc", Identity: "fp-1"})
	_ = s.Upsert(SessionRow{ID: "abc", Identity: "fp-2"})

	rows, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after replace, got %d", len(rows))
	}
	if rows[0].Identity != "fp-2" {
		t.Fatalf("expected replaced identity, got %q", rows[0].Identity)
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	s := openTestStore(t)

	_ = s.Upsert(SessionRow{ID: "abc", LastActivity: "2020-01-01T00:00:00Z"})
	later := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Touch("abc", later); err != nil {
		t.Fatalf("touch: %v", err)
	}

	rows, _ := s.List()
	if rows[0].LastActivity != "2024-06-01T12:00:00Z" {
		t.Fatalf("expected touched timestamp, got %q", rows[0].LastActivity)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)

	_ = s.Upsert(SessionRow{ID: "abc"})
	if err := s.Delete("abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 rows, got %d", count)
	}

	// Deleting a missing row is not an error.
	if err := s.Delete("abc"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s1.Upsert(SessionRow{ID: "abc", StoragePath: "/tmp/abc"})
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	rows, err := s2.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "abc" {
		t.Fatalf("expected persisted row after reopen, got %+v", rows)
	}
}
