package casing

import "testing"

func TestToRemote_CoercesBooleanAndRenames(t *testing.T) {
	a := NewAdapter("tune", []string{"id"}, []string{"id"}, []string{"favorite"},
		FieldMap{LocalToWire: map[string]string{"private_for": "privateFor"}})

	local := map[string]any{
		"id":           "T1",
		"favorite":     int64(1),
		"private_for":  "u1",
		"title":        "Silver Spear",
	}
	remote := a.ToRemote(local)

	if remote["favorite"] != true {
		t.Fatalf("want favorite=true, got %v", remote["favorite"])
	}
	if remote["privateFor"] != "u1" {
		t.Fatalf("want privateFor=u1, got %v", remote["privateFor"])
	}
	if remote["title"] != "Silver Spear" {
		t.Fatalf("unknown field should pass through unchanged, got %v", remote["title"])
	}
	if _, stillLocal := remote["private_for"]; stillLocal {
		t.Fatalf("renamed field should not also appear under its local name")
	}
}

func TestToLocal_IsInverseOfToRemote(t *testing.T) {
	a := NewAdapter("tune", []string{"id"}, []string{"id"}, []string{"favorite"},
		FieldMap{LocalToWire: map[string]string{"private_for": "privateFor"}})

	local := map[string]any{
		"id":          "T1",
		"favorite":    int64(0),
		"private_for": "u1",
	}
	roundTripped := a.ToLocal(a.ToRemote(local))

	if roundTripped["favorite"] != int64(0) {
		t.Fatalf("want favorite=0, got %v", roundTripped["favorite"])
	}
	if roundTripped["private_for"] != "u1" {
		t.Fatalf("want private_for=u1, got %v", roundTripped["private_for"])
	}
}

func TestToRemote_UnknownFieldPassesThroughUnchanged(t *testing.T) {
	a := NewAdapter("tune", []string{"id"}, []string{"id"}, nil, FieldMap{})
	remote := a.ToRemote(map[string]any{"brand_new_column": "value"})
	if remote["brand_new_column"] != "value" {
		t.Fatalf("want unknown field passed through, got %v", remote["brand_new_column"])
	}
}
