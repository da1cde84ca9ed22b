// Package casing translates rows between a table's client-local column
// naming/types and the wire/central naming and types expected by the sync
// mediator. Adapters are pure functions: no I/O, no registry lookups beyond
// what's passed in.
//
// An adapter that receives a field it does not know passes it through
// unchanged, so that new columns remain forward-compatible with older
// client or server builds.
package casing

import (
	"strconv"
	"strings"
)

// FieldMap is an ordered pair of translations between client-local field
// names and wire field names for one table. Most tables in this schema are
// already snake_case on both sides, so FieldMap is usually empty; it exists
// for the tables where the client store and the wire form disagree.
type FieldMap struct {
	// LocalToWire maps a client-local column name to its wire name. Columns
	// absent from this map keep their name unchanged.
	LocalToWire map[string]string
}

func (m FieldMap) wireToLocal() map[string]string {
	inv := make(map[string]string, len(m.LocalToWire))
	for local, wire := range m.LocalToWire {
		inv[wire] = local
	}
	return inv
}

// Adapter converts rows for one table between client-local and wire form,
// coercing booleans (integer 0/1 locally, native bool on the wire) and
// leaving timestamps as ISO-8601 strings on both sides.
type Adapter struct {
	Table          string
	PrimaryKey     []string
	ConflictKeys   []string
	BooleanColumns map[string]bool
	Fields         FieldMap
}

// NewAdapter builds an Adapter for a table. booleanColumns lists the
// client-local column names that need integer/bool coercion.
func NewAdapter(table string, primaryKey, conflictKeys, booleanColumns []string, fields FieldMap) *Adapter {
	bc := make(map[string]bool, len(booleanColumns))
	for _, c := range booleanColumns {
		bc[c] = true
	}
	return &Adapter{
		Table:          table,
		PrimaryKey:     primaryKey,
		ConflictKeys:   conflictKeys,
		BooleanColumns: bc,
		Fields:         fields,
	}
}

// ToRemote converts a client-local row to wire form: renames fields per
// Fields.LocalToWire, and turns integer 0/1 booleans into native bools.
func (a *Adapter) ToRemote(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		wireKey := k
		if renamed, ok := a.Fields.LocalToWire[k]; ok {
			wireKey = renamed
		}
		if a.BooleanColumns[k] {
			out[wireKey] = coerceToBool(v)
			continue
		}
		out[wireKey] = v
	}
	return out
}

// ToLocal is the inverse of ToRemote: wire field names back to client-local
// names, native bools back to integer 0/1.
func (a *Adapter) ToLocal(row map[string]any) map[string]any {
	wireToLocal := a.Fields.wireToLocal()
	out := make(map[string]any, len(row))
	for k, v := range row {
		localKey := k
		if renamed, ok := wireToLocal[k]; ok {
			localKey = renamed
		}
		if a.BooleanColumns[localKey] {
			out[localKey] = coerceToInt(v)
			continue
		}
		out[localKey] = v
	}
	return out
}

// coerceToBool accepts the handful of shapes a boolean column might arrive
// in from a SQLite driver (int64, float64, bool) or already-decoded JSON,
// and normalizes to a Go bool. Unrecognized types pass through unchanged;
// this keeps an adapter from hard-failing on a column it does not expect.
func coerceToBool(v any) any {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n != 0
		}
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
		return v
	default:
		return v
	}
}

// coerceToInt is the inverse of coerceToBool: native bool (or anything
// bool-shaped) becomes the client's integer 0/1 convention.
func coerceToInt(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case int64, int:
		return t
	case float64:
		if t != 0 {
			return int64(1)
		}
		return int64(0)
	case string:
		switch strings.ToLower(t) {
		case "true", "1":
			return int64(1)
		case "false", "0":
			return int64(0)
		}
		return v
	default:
		return v
	}
}
