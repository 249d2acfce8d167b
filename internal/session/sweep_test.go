package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/workspace/msg-gateway/internal/persistence"
)

func TestSweepOrphansRemovesLeftoverArtifacts(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	// A previous process crashed, leaving a row and a credential directory.
	orphanDir := filepath.Join(cfg.SessionsDir, "deadbeef00000000")
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := store.Upsert(persistence.SessionRow{
		ID: "deadbeef00000000", Identity: "old-device", StoragePath: orphanDir,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	m := NewManager(cfg, &fakeEngine{}, store)
	m.SweepOrphans()

	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Fatalf("orphan directory should be removed, stat err=%v", err)
	}
	count, err := store.Count()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 mirror rows after sweep, got %d", count)
	}
}

func TestSweepOrphansSparesLiveSessions(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	m := NewManager(cfg, &fakeEngine{}, store)
	conn := newFakeConn("conn-1")
	id := m.Attach(context.Background(), conn, "device-1")

	storage := filepath.Join(cfg.SessionsDir, id)
	if err := os.MkdirAll(storage, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m.SweepOrphans()

	if _, err := os.Stat(storage); err != nil {
		t.Fatalf("live session storage must survive the sweep: %v", err)
	}
	if _, ok := m.reg.Get(id); !ok {
		t.Fatal("live session must survive the sweep")
	}
}

func TestMirrorRowLifecycleTracksRegistry(t *testing.T) {
	cfg := testConfig(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	m := NewManager(cfg, &fakeEngine{}, store)
	conn := newFakeConn("conn-1")
	id := m.Attach(context.Background(), conn, "device-1")

	count, _ := store.Count()
	if count != 1 {
		t.Fatalf("expected mirror row after create, got %d", count)
	}

	m.Logout(context.Background(), conn, id)
	count, _ = store.Count()
	if count != 0 {
		t.Fatalf("expected mirror row removed after logout, got %d", count)
	}
}
