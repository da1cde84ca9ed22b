package engine

import (
	"testing"

	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/wire"
)

func depTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.Table{Name: "genre", SyncOrder: 0})
	reg.Register(registry.Table{Name: "tune", SyncOrder: 1})
	reg.Register(registry.Table{Name: "playlist_tune", SyncOrder: 2})
	return reg
}

func TestSortEntriesForPush_ParentsFirstDeletesLast(t *testing.T) {
	reg := depTestRegistry()
	entries := []outbox.Entry{
		{Table: "playlist_tune", Operation: wire.OpDelete},
		{Table: "tune", Operation: wire.OpInsert},
		{Table: "genre", Operation: wire.OpUpdate},
		{Table: "genre", Operation: wire.OpDelete},
	}
	sortEntriesForPush(entries, reg)

	if entries[0].Table != "genre" || entries[0].Operation != wire.OpUpdate {
		t.Fatalf("want genre update first, got %+v", entries[0])
	}
	if entries[1].Table != "tune" {
		t.Fatalf("want tune insert second, got %+v", entries[1])
	}
	// Deletes come last, descending by sync order: playlist_tune (2) before genre (0).
	if entries[2].Table != "playlist_tune" || entries[2].Operation != wire.OpDelete {
		t.Fatalf("want playlist_tune delete third, got %+v", entries[2])
	}
	if entries[3].Table != "genre" || entries[3].Operation != wire.OpDelete {
		t.Fatalf("want genre delete last, got %+v", entries[3])
	}
}

func TestSortChangesForApply_SameRule(t *testing.T) {
	reg := depTestRegistry()
	changes := []wire.Change{
		{Table: "tune", Deleted: true},
		{Table: "genre", Deleted: false},
		{Table: "playlist_tune", Deleted: false},
	}
	sortChangesForApply(changes, reg)

	if changes[0].Table != "genre" || changes[1].Table != "playlist_tune" {
		t.Fatalf("want non-deletes ascending by sync order first, got %+v", changes[:2])
	}
	if changes[2].Table != "tune" || !changes[2].Deleted {
		t.Fatalf("want the delete last, got %+v", changes[2])
	}
}

func TestSortEntriesForPush_TiesPreserveArrivalOrder(t *testing.T) {
	reg := depTestRegistry()
	entries := []outbox.Entry{
		{Table: "tune", RowID: "A", Operation: wire.OpInsert},
		{Table: "tune", RowID: "B", Operation: wire.OpUpdate},
	}
	sortEntriesForPush(entries, reg)
	if entries[0].RowID != "A" || entries[1].RowID != "B" {
		t.Fatalf("want arrival order preserved for ties, got %+v", entries)
	}
}
