package engine

import (
	"database/sql"
	"fmt"
)

// scanSingleRow reads at most one row of rs into a map[string]any keyed by
// column name, returning nil if rs has no rows. Mirrors the generic
// column-introspection scan the mediator uses server-side, since the
// engine likewise has no compile-time knowledge of a table's full column
// set beyond what the registry declares.
func scanSingleRow(rs *sql.Rows) (map[string]any, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("engine: reading columns: %w", err)
	}
	if !rs.Next() {
		return nil, rs.Err()
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rs.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("engine: scanning row: %w", err)
	}
	row := make(map[string]any, len(cols))
	for i, c := range cols {
		if b, ok := vals[i].([]byte); ok {
			row[c] = string(b)
			continue
		}
		row[c] = vals[i]
	}
	return row, nil
}
