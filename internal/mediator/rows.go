package mediator

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// marshalJSON encodes row as the wire Change.Data payload.
func marshalJSON(row map[string]any) (json.RawMessage, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("mediator: encoding row data: %w", err)
	}
	return b, nil
}

// scanRows reads every row of rs into a map[string]any keyed by column
// name, using database/sql's column-introspection so the mediator never
// needs compile-time knowledge of a table's full column set — only the
// registry's PK/unique-key/boolean-column metadata.
func scanRows(rs *sql.Rows) ([]map[string]any, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("mediator: reading columns: %w", err)
	}

	var out []map[string]any
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("mediator: scanning row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeScanned(vals[i])
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

// normalizeScanned unwraps the handful of driver-specific shapes
// (notably []byte for TEXT/VARCHAR columns under some drivers) into plain
// Go values a JSON encoder handles sensibly.
func normalizeScanned(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
