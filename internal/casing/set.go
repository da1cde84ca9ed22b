package casing

import "github.com/tunetrainer/synccore/internal/registry"

// Set is a registry-wide collection of per-table adapters, built once and
// shared by the engine and mediator.
type Set struct {
	adapters map[string]*Adapter
}

// BuildSet constructs an Adapter for every table in reg, using each table's
// boolean columns and conflict target. overrides optionally supplies a
// per-table FieldMap for the rare table whose wire names diverge from its
// client-local column names; tables absent from overrides get an identity
// FieldMap.
func BuildSet(reg *registry.Registry, overrides map[string]FieldMap) (*Set, error) {
	s := &Set{adapters: make(map[string]*Adapter)}
	for _, t := range reg.Tables() {
		conflictKeys, err := reg.ConflictTarget(t.Name)
		if err != nil {
			return nil, err
		}
		fields := overrides[t.Name]
		s.adapters[t.Name] = NewAdapter(t.Name, t.PrimaryKey, conflictKeys, t.BooleanColumns, fields)
	}
	return s, nil
}

// For returns the adapter for table, or nil if the table was not present in
// the registry the Set was built from. Callers that also hold the registry
// should prefer registry.Lookup's UnknownTableError for the authoritative
// error; this accessor is a convenience for already-validated table names.
func (s *Set) For(table string) *Adapter {
	return s.adapters[table]
}
