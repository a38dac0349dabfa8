package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vernite/realtime/internal/services/audit"
	"github.com/vernite/realtime/internal/services/audit/storage/storetest"
)

func openTempStore(t *testing.T) audit.Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, openTempStore, true)
}

func TestOpenInMemory(t *testing.T) {
	store, err := Open(context.Background(), MemoryPath)
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	defer store.Close()
	if _, _, err := store.Save(context.Background(), storetest.Log("a1", "k1", "task-1", time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, _, err := store.Save(context.Background(), storetest.Log("a1", "k1", "task-1", time.Date(2026, time.March, 4, 10, 0, 0, 0, time.UTC))); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	logs, err := reopened.ListByEntity(context.Background(), "task", "task-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
}
