package triggers

import (
	"context"
	"testing"
	"time"

	"github.com/tunetrainer/synccore/internal/localstore"
	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/registry"
)

func setup(t *testing.T) (*localstore.Store, *registry.Registry) {
	t.Helper()
	store, err := localstore.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.DB().Exec(`CREATE TABLE tune (id TEXT PRIMARY KEY, title TEXT, last_modified_at TEXT)`)
	if err != nil {
		t.Fatalf("creating tune table: %v", err)
	}

	reg := registry.New()
	reg.Register(registry.Table{Name: "tune", PrimaryKey: []string{"id"}, HasDeletedFlag: true})
	return store, reg
}

func TestInstall_CapturesInsertUpdateDelete(t *testing.T) {
	store, reg := setup(t)
	ctx := context.Background()

	inst := New(store.DB(), reg)
	if err := inst.Install(ctx, "tune"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if _, err := store.DB().Exec(`INSERT INTO tune (id, title, last_modified_at) VALUES ('T1', 'Silver Spear', '2025-01-01T10:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ob := outbox.New(store.DB(), reg)
	pending, err := ob.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("want 1 pending entry after insert, got %d", len(pending))
	}
	if pending[0].Table != "tune" || pending[0].RowID != "T1" || pending[0].Operation != "INSERT" {
		t.Fatalf("unexpected entry: %+v", pending[0])
	}
	if err := ob.MarkCompleted(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if _, err := store.DB().Exec(`UPDATE tune SET title = 'Silver Spear (reel)', last_modified_at = '2025-01-01T11:00:00Z' WHERE id = 'T1'`); err != nil {
		t.Fatalf("update: %v", err)
	}
	pending, err = ob.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != "UPDATE" {
		t.Fatalf("want 1 UPDATE entry, got %+v", pending)
	}
	if err := ob.MarkCompleted(ctx, pending[0].ID); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if _, err := store.DB().Exec(`DELETE FROM tune WHERE id = 'T1'`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	pending, err = ob.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation != "DELETE" {
		t.Fatalf("want 1 DELETE entry, got %+v", pending)
	}
}

func TestSuppress_NoOpsTriggers(t *testing.T) {
	store, reg := setup(t)
	ctx := context.Background()

	inst := New(store.DB(), reg)
	if err := inst.Install(ctx, "tune"); err != nil {
		t.Fatalf("Install: %v", err)
	}

	if err := Suppress(ctx, store.DB()); err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	suppressed, err := IsSuppressed(ctx, store.DB())
	if err != nil || !suppressed {
		t.Fatalf("want suppressed=true, got %v err=%v", suppressed, err)
	}

	if _, err := store.DB().Exec(`INSERT INTO tune (id, title, last_modified_at) VALUES ('T2', 'Drowsy Maggie', '2025-01-01T10:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ob := outbox.New(store.DB(), reg)
	pending, err := ob.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("want no outbox entries while suppressed, got %d", len(pending))
	}

	if err := Enable(ctx, store.DB()); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	suppressed, err = IsSuppressed(ctx, store.DB())
	if err != nil || suppressed {
		t.Fatalf("want suppressed=false after Enable, got %v err=%v", suppressed, err)
	}

	// Backfill should now recapture the write that happened during suppression.
	since, err := time.Parse(time.RFC3339, "2025-01-01T09:00:00Z")
	if err != nil {
		t.Fatalf("parsing since: %v", err)
	}
	inserted, err := ob.BackfillSince(ctx, since, []string{"tune"}, "device-a")
	if err != nil {
		t.Fatalf("BackfillSince: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("want 1 backfilled entry, got %d", inserted)
	}
}
