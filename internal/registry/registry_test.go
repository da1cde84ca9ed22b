package registry

import (
	"errors"
	"testing"
)

func TestBuildAndParseRowID_SimplePK(t *testing.T) {
	r := New()
	r.Register(Table{Name: "tune", PrimaryKey: []string{"id"}})

	rowID, err := r.BuildRowID("tune", map[string]any{"id": "T1", "title": "Silver Spear"})
	if err != nil {
		t.Fatalf("BuildRowID: %v", err)
	}
	if rowID != "T1" {
		t.Fatalf("want %q, got %q", "T1", rowID)
	}

	parsed, err := r.ParseRowID("tune", rowID)
	if err != nil {
		t.Fatalf("ParseRowID: %v", err)
	}
	if parsed["id"] != "T1" {
		t.Fatalf("want id=T1, got %v", parsed)
	}
}

func TestBuildAndParseRowID_CompositePK_RoundTrips(t *testing.T) {
	r := New()
	r.Register(Table{Name: "playlist_tune", PrimaryKey: []string{"playlist_ref", "tune_ref"}})

	row := map[string]any{"playlist_ref": "P1", "tune_ref": "T1", "position": 3}
	rowID, err := r.BuildRowID("playlist_tune", row)
	if err != nil {
		t.Fatalf("BuildRowID: %v", err)
	}

	// Re-encoding the same logical key must produce the same string (I2:
	// "the encoding is stable and round-trippable") regardless of how the
	// caller ordered the map literal.
	again, err := r.BuildRowID("playlist_tune", map[string]any{"tune_ref": "T1", "playlist_ref": "P1"})
	if err != nil {
		t.Fatalf("BuildRowID (reordered): %v", err)
	}
	if rowID != again {
		t.Fatalf("encoding not stable: %q != %q", rowID, again)
	}

	parsed, err := r.ParseRowID("playlist_tune", rowID)
	if err != nil {
		t.Fatalf("ParseRowID: %v", err)
	}
	if parsed["playlist_ref"] != "P1" || parsed["tune_ref"] != "T1" {
		t.Fatalf("round trip mismatch: %v", parsed)
	}
}

func TestLookup_UnknownTable(t *testing.T) {
	r := New()
	_, err := r.Lookup("does_not_exist")
	var ute *UnknownTableError
	if !errors.As(err, &ute) {
		t.Fatalf("want *UnknownTableError, got %T (%v)", err, err)
	}
}

func TestConflictTarget_PrefersUniqueKey(t *testing.T) {
	r := New()
	r.Register(Table{
		Name:       "practice_record",
		PrimaryKey: []string{"id"},
		UniqueKeys: []string{"tune_ref", "playlist_ref", "practiced"},
	})
	r.Register(Table{Name: "tune", PrimaryKey: []string{"id"}})

	target, err := r.ConflictTarget("practice_record")
	if err != nil {
		t.Fatalf("ConflictTarget: %v", err)
	}
	want := []string{"tune_ref", "playlist_ref", "practiced"}
	if len(target) != len(want) {
		t.Fatalf("want %v, got %v", want, target)
	}
	for i := range want {
		if target[i] != want[i] {
			t.Fatalf("want %v, got %v", want, target)
		}
	}

	target, err = r.ConflictTarget("tune")
	if err != nil {
		t.Fatalf("ConflictTarget: %v", err)
	}
	if len(target) != 1 || target[0] != "id" {
		t.Fatalf("want [id], got %v", target)
	}
}

func TestTables_OrderedBySyncOrderThenName(t *testing.T) {
	r := New()
	r.Register(Table{Name: "playlist_tune", SyncOrder: 20})
	r.Register(Table{Name: "tune", SyncOrder: 10})
	r.Register(Table{Name: "playlist", SyncOrder: 10})

	got := r.Tables()
	if len(got) != 3 {
		t.Fatalf("want 3 tables, got %d", len(got))
	}
	if got[0].Name != "playlist" || got[1].Name != "tune" || got[2].Name != "playlist_tune" {
		names := []string{got[0].Name, got[1].Name, got[2].Name}
		t.Fatalf("unexpected order: %v", names)
	}
}
