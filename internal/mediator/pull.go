package mediator

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tunetrainer/synccore/internal/changelog"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/wire"
)

// pullInitial implements spec.md §4.F's initial pull: every table in
// registry order, scanned in full subject to the table's authorization
// filter, paginated by a simple table-index/offset cursor.
func (m *Mediator) pullInitial(ctx context.Context, tx *sql.Tx, userID string, pageSize int, cursor string, overrides *wire.Overrides) ([]wire.Change, string, error) {
	tables := m.reg.Tables()
	if overrides != nil && len(overrides.PullTables) > 0 {
		tables = filterTables(tables, overrides.PullTables)
	}

	tableIdx, offset := decodeInitialCursor(cursor)

	var changes []wire.Change
	for tableIdx < len(tables) {
		t := tables[tableIdx]
		remaining := pageSize - len(changes)
		if remaining <= 0 {
			return changes, encodeInitialCursor(tableIdx, offset), nil
		}

		rows, err := m.selectAuthorizedRows(ctx, tx, t, userID, offset, remaining+1)
		if err != nil {
			return nil, "", err
		}
		hasMore := len(rows) > remaining
		if hasMore {
			rows = rows[:remaining]
		}
		for _, row := range rows {
			changes = append(changes, m.rowToChange(t, row))
		}
		if hasMore {
			return changes, encodeInitialCursor(tableIdx, offset+len(rows)), nil
		}
		tableIdx++
		offset = 0
	}
	return changes, "", nil
}

// pullIncremental implements spec.md §4.F's incremental pull: entries from
// the remote change log with changed_at in (lastSyncAt, syncStartedAt],
// resolved against current live rows (or synthesized tombstones) and
// filtered by authorization.
func (m *Mediator) pullIncremental(ctx context.Context, tx *sql.Tx, log *changelog.Log, userID string, lastSyncAt, syncStartedAt time.Time, pageSize int, cursor string) ([]wire.Change, string, error) {
	lowerBound := lastSyncAt
	if cursor != "" {
		if t, err := time.Parse(time.RFC3339Nano, cursor); err == nil {
			lowerBound = t
		}
	}

	entries, err := log.Since(ctx, lowerBound, syncStartedAt, pageSize)
	if err != nil {
		return nil, "", err
	}

	var changes []wire.Change
	var lastChangedAt time.Time
	for _, e := range entries {
		lastChangedAt = e.ChangedAt
		t, err := m.reg.Lookup(e.Table)
		if err != nil {
			continue // table no longer registered; drop silently
		}
		pk, err := m.reg.ParseRowID(e.Table, e.RowID)
		if err != nil {
			continue
		}

		row, found, err := m.lookupAuthorizedRow(ctx, tx, t, userID, pk)
		if err != nil {
			return nil, "", err
		}
		if !found {
			if t.HasDeletedFlag {
				changes = append(changes, wire.Change{
					Table:   t.Name,
					RowID:   e.RowID,
					Deleted: true,
				})
			}
			continue
		}
		changes = append(changes, m.rowToChange(t, row))
	}

	if len(entries) == pageSize {
		return changes, lastChangedAt.Format(time.RFC3339Nano), nil
	}
	return changes, "", nil
}

// selectAuthorizedRows runs the table's authorization filter as a SQL WHERE
// clause and returns up to limit rows starting at offset, ordered by
// primary key for stable pagination.
func (m *Mediator) selectAuthorizedRows(ctx context.Context, tx *sql.Tx, t *registry.Table, userID string, offset, limit int) ([]map[string]any, error) {
	where, args := authorizationFilter(t, userID)
	order := strings.Join(t.PrimaryKey, ", ")
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s ORDER BY %s LIMIT %d OFFSET %d`, t.Name, where, order, limit, offset)
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mediator: scanning %s for pull: %w", t.Name, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// lookupAuthorizedRow fetches the single current row identified by pk,
// subject to t's authorization filter; found is false if the row is gone
// or not authorized to userID.
func (m *Mediator) lookupAuthorizedRow(ctx context.Context, tx *sql.Tx, t *registry.Table, userID string, pk map[string]any) (map[string]any, bool, error) {
	where, args := whereClause(t.PrimaryKey, pk)
	authWhere, authArgs := authorizationFilter(t, userID)
	q := fmt.Sprintf(`SELECT * FROM %s WHERE %s AND (%s) LIMIT 1`, t.Name, where, authWhere)
	rows, err := tx.QueryContext(ctx, q, append(args, authArgs...)...)
	if err != nil {
		return nil, false, fmt.Errorf("mediator: looking up %s by pk: %w", t.Name, err)
	}
	defer rows.Close()
	scanned, err := scanRows(rows)
	if err != nil {
		return nil, false, err
	}
	if len(scanned) == 0 {
		return nil, false, nil
	}
	return scanned[0], true, nil
}

// authorizationFilter builds the WHERE predicate for t per spec.md §4.F's
// pull authorization rules: reference tables are unfiltered; direct-owned
// tables allow NULL-owner rows (shared/private-to-nobody) or rows owned by
// userID; playlist-owned tables join through the owning playlist.
func authorizationFilter(t *registry.Table, userID string) (string, []any) {
	switch t.Ownership {
	case registry.OwnershipDirect:
		return fmt.Sprintf("%s IS NULL OR %s = ?", t.OwnerColumn, t.OwnerColumn), []any{userID}
	case registry.OwnershipPlaylist:
		return fmt.Sprintf("%s IN (SELECT id FROM playlist WHERE user_ref = ?)", t.PlaylistRefColumn), []any{userID}
	default:
		return "1 = 1", nil
	}
}

// rowToChange converts a scanned storage row into the wire shape, applying
// the table's Normalize hook and then its casing adapter (boolean
// coercion, field renames).
func (m *Mediator) rowToChange(t *registry.Table, row map[string]any) wire.Change {
	row = applyNormalize(t, row)
	adapter := m.adapt.For(t.Name)
	wireRow := adapter.ToRemote(row)

	rowID, _ := m.reg.BuildRowID(t.Name, row)
	deleted := false
	if t.HasDeletedFlag {
		if v, ok := row["deleted"]; ok {
			deleted = truthy(v)
		}
	}
	lastModifiedAt, _ := row["last_modified_at"].(string)

	data, _ := marshalJSON(wireRow)
	return wire.Change{
		Table:          t.Name,
		RowID:          rowID,
		Data:           data,
		Deleted:        deleted,
		LastModifiedAt: lastModifiedAt,
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

func filterTables(tables []*registry.Table, names []string) []*registry.Table {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*registry.Table
	for _, t := range tables {
		if want[t.Name] {
			out = append(out, t)
		}
	}
	return out
}

func decodeInitialCursor(cursor string) (tableIdx, offset int) {
	if cursor == "" {
		return 0, 0
	}
	parts := strings.SplitN(cursor, "|", 3)
	if len(parts) != 3 || parts[0] != "init" {
		return 0, 0
	}
	tableIdx, _ = strconv.Atoi(parts[1])
	offset, _ = strconv.Atoi(parts[2])
	return tableIdx, offset
}

func encodeInitialCursor(tableIdx, offset int) string {
	return fmt.Sprintf("init|%d|%d", tableIdx, offset)
}
