// Package registry is the single declarative source of table metadata that
// the casing adapters, change-capture triggers, outbox store, sync engine,
// and sync mediator all consult: primary keys, natural unique keys, boolean
// and timestamp columns, soft-delete support, and the dependency order used
// to sequence applies.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ChangeCategory tags a table for the UI layer; the core never interprets it.
type ChangeCategory string

const (
	CategoryReference  ChangeCategory = "reference"
	CategoryUserOwned  ChangeCategory = "user_owned"
	CategoryJunction   ChangeCategory = "junction"
)

// OwnershipKind describes how a row's visibility to a user is determined.
type OwnershipKind int

const (
	// OwnershipNone means the table is reference data visible to everyone.
	OwnershipNone OwnershipKind = iota
	// OwnershipDirect means the table carries one of user_ref, user_id,
	// private_for, or private_to_user.
	OwnershipDirect
	// OwnershipPlaylist means the table is owned transitively via
	// playlist_ref pointing at a playlist owned by the user.
	OwnershipPlaylist
)

// Table is the full declarative description of one syncable table.
type Table struct {
	Name string

	// PrimaryKey is one or more column names, in declared order. A single
	// entry means a simple PK; more than one means a composite PK.
	PrimaryKey []string

	// UniqueKeys is the table's natural unique key, if any, distinct from
	// the PK. Empty means the table has no fallback conflict target.
	UniqueKeys []string

	// BooleanColumns lists columns that are integer 0/1 on the client and
	// native boolean on the server.
	BooleanColumns []string

	// TimestampColumns lists ISO-8601 UTC instant columns, beyond
	// last_modified_at, that the casing adapter must not mis-coerce.
	TimestampColumns []string

	// SupportsIncremental marks tables that are small, rarely-changing
	// reference data (false). It is declarative only: nothing in this module
	// consults it, and incremental pulls of every table go through the
	// change log regardless of its value.
	SupportsIncremental bool

	// HasDeletedFlag marks a soft-deletable table: deletes are updates
	// that set `deleted` and bump last_modified_at. False means hard-delete.
	HasDeletedFlag bool

	// ChangeCategory is a UI-facing tag, not consulted by the core.
	ChangeCategory ChangeCategory

	// Ownership describes how pull authorization is computed for this table.
	Ownership OwnershipKind

	// OwnerColumn is the column holding the owning user id/ref when
	// Ownership == OwnershipDirect. One of user_ref, user_id, private_for,
	// private_to_user.
	OwnerColumn string

	// PlaylistRefColumn is the FK-to-playlist column when
	// Ownership == OwnershipPlaylist.
	PlaylistRefColumn string

	// SyncOrder is the table's position in the total dependency order: every
	// FK points from a higher SyncOrder to a lower one. Inserts/updates are
	// applied ascending; deletes descending.
	SyncOrder int

	// Normalize, if set, is applied to every row read from or about to be
	// written to this table (e.g. trimming, default-filling). Nil means
	// no normalization.
	Normalize func(row map[string]any) map[string]any
}

// UnknownTableError is returned whenever a caller references a table name
// that was never registered.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("registry: unknown table %q", e.Table)
}

// Registry is a fixed, read-only table of Table descriptions keyed by name.
// Construct one with New and register tables with it before sharing it
// across the engine, mediator, and triggers packages.
type Registry struct {
	tables map[string]*Table
}

// New returns an empty registry. Callers add tables with Register.
func New() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Register adds or replaces a table's metadata. Re-registering the same
// name is allowed and idempotent, matching the idempotent trigger-install
// contract in spec.md §4.C.
func (r *Registry) Register(t Table) {
	cp := t
	r.tables[t.Name] = &cp
}

// Lookup returns the table metadata for name, or UnknownTableError.
func (r *Registry) Lookup(name string) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, &UnknownTableError{Table: name}
	}
	return t, nil
}

// Tables returns every registered table, ordered by SyncOrder ascending then
// name, for deterministic iteration (e.g. the mediator's initial-pull loop).
func (r *Registry) Tables() []*Table {
	out := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SyncOrder != out[j].SyncOrder {
			return out[i].SyncOrder < out[j].SyncOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ConflictTarget returns the preferred upsert conflict target for a table:
// its natural unique key if declared, else its primary key.
func (r *Registry) ConflictTarget(table string) ([]string, error) {
	t, err := r.Lookup(table)
	if err != nil {
		return nil, err
	}
	if len(t.UniqueKeys) > 0 {
		return t.UniqueKeys, nil
	}
	return t.PrimaryKey, nil
}

// BuildRowID encodes a row's primary key per spec invariant I2: the bare
// value for a single-column key, or a stably-ordered JSON object for a
// composite key.
func (r *Registry) BuildRowID(table string, row map[string]any) (string, error) {
	t, err := r.Lookup(table)
	if err != nil {
		return "", err
	}
	if len(t.PrimaryKey) == 1 {
		v, ok := row[t.PrimaryKey[0]]
		if !ok {
			return "", fmt.Errorf("registry: row missing primary key column %q for table %q", t.PrimaryKey[0], table)
		}
		return fmt.Sprintf("%v", v), nil
	}

	obj := make(map[string]any, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := row[col]
		if !ok {
			return "", fmt.Errorf("registry: row missing composite primary key column %q for table %q", col, table)
		}
		obj[col] = v
	}
	// encoding/json sorts map keys alphabetically, which keeps the encoding
	// stable and round-trippable regardless of caller-supplied column order.
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("registry: encoding composite row id for table %q: %w", table, err)
	}
	return string(b), nil
}

// ParseRowID is the inverse of BuildRowID: it recovers the PK column/value
// pairs encoded in rowID for table.
func (r *Registry) ParseRowID(table, rowID string) (map[string]any, error) {
	t, err := r.Lookup(table)
	if err != nil {
		return nil, err
	}
	if len(t.PrimaryKey) == 1 {
		return map[string]any{t.PrimaryKey[0]: rowID}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(rowID), &obj); err != nil {
		return nil, fmt.Errorf("registry: decoding composite row id %q for table %q: %w", rowID, table, err)
	}
	out := make(map[string]any, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		v, ok := obj[col]
		if !ok {
			return nil, fmt.Errorf("registry: row id %q for table %q missing column %q", rowID, table, col)
		}
		out[col] = v
	}
	return out, nil
}

// ApplyNormalize runs the table's Normalize hook, if any, returning row
// unchanged when none is registered.
func (r *Registry) ApplyNormalize(table string, row map[string]any) (map[string]any, error) {
	t, err := r.Lookup(table)
	if err != nil {
		return nil, err
	}
	if t.Normalize == nil {
		return row, nil
	}
	return t.Normalize(row), nil
}
