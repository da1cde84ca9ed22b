package mediator

import (
	"testing"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/registry"
)

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register(registry.Table{
		Name:           "tune",
		PrimaryKey:     []string{"id"},
		BooleanColumns: []string{"is_favorite"},
		HasDeletedFlag: true,
		Ownership:      registry.OwnershipNone,
	})
	reg.Register(registry.Table{
		Name:              "note",
		PrimaryKey:        []string{"id"},
		HasDeletedFlag:    true,
		Ownership:         registry.OwnershipDirect,
		OwnerColumn:       "user_ref",
	})
	reg.Register(registry.Table{
		Name:              "playlist_tune",
		PrimaryKey:        []string{"playlist_ref", "tune_ref"},
		Ownership:         registry.OwnershipPlaylist,
		PlaylistRefColumn: "playlist_ref",
	})
	return reg
}

func TestAuthorizationFilter_Direct(t *testing.T) {
	reg := testRegistry()
	t1, _ := reg.Lookup("note")
	where, args := authorizationFilter(t1, "user-1")
	if where != "user_ref IS NULL OR user_ref = ?" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(args) != 1 || args[0] != "user-1" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestAuthorizationFilter_Playlist(t *testing.T) {
	reg := testRegistry()
	t1, _ := reg.Lookup("playlist_tune")
	where, args := authorizationFilter(t1, "user-1")
	if where != "playlist_ref IN (SELECT id FROM playlist WHERE user_ref = ?)" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(args) != 1 || args[0] != "user-1" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestAuthorizationFilter_None(t *testing.T) {
	reg := testRegistry()
	t1, _ := reg.Lookup("tune")
	where, args := authorizationFilter(t1, "user-1")
	if where != "1 = 1" || len(args) != 0 {
		t.Fatalf("unexpected filter for reference table: %q %v", where, args)
	}
}

func TestWhereClause_CompositeSortsColumns(t *testing.T) {
	where, args := whereClause([]string{"tune_ref", "playlist_ref"}, map[string]any{
		"playlist_ref": "P1",
		"tune_ref":     "T1",
	})
	if where != "playlist_ref = ? AND tune_ref = ?" {
		t.Fatalf("unexpected where clause: %q", where)
	}
	if len(args) != 2 || args[0] != "P1" || args[1] != "T1" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestRowToChange_CoercesBooleanAndBuildsRowID(t *testing.T) {
	reg := testRegistry()
	set, err := casing.BuildSet(reg, nil)
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}
	m := &Mediator{reg: reg, adapt: set}

	tbl, _ := reg.Lookup("tune")
	row := map[string]any{
		"id":               "T1",
		"is_favorite":      int64(1),
		"deleted":          int64(0),
		"last_modified_at": "2025-01-01T10:00:00Z",
	}
	c := m.rowToChange(tbl, row)
	if c.Table != "tune" || c.RowID != "T1" || c.Deleted {
		t.Fatalf("unexpected change: %+v", c)
	}
	if !strContains(string(c.Data), `"isFavorite"`) && !strContains(string(c.Data), `"is_favorite":true`) {
		t.Fatalf("expected boolean coercion in payload, got %s", c.Data)
	}
}

func TestInitialCursorRoundTrip(t *testing.T) {
	cursor := encodeInitialCursor(3, 40)
	tableIdx, offset := decodeInitialCursor(cursor)
	if tableIdx != 3 || offset != 40 {
		t.Fatalf("want (3, 40), got (%d, %d)", tableIdx, offset)
	}
}

func TestDecodeInitialCursor_EmptyIsZero(t *testing.T) {
	tableIdx, offset := decodeInitialCursor("")
	if tableIdx != 0 || offset != 0 {
		t.Fatalf("want (0, 0), got (%d, %d)", tableIdx, offset)
	}
}

func strContains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
