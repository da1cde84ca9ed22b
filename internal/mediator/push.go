package mediator

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tunetrainer/synccore/internal/registry"
)

// softDelete sets deleted = true and bumps last_modified_at on the row(s)
// matching pk, per spec.md §4.F: "If deleted and the table has a
// soft-delete flag, set deleted = true ... on rows matching the PK."
func (m *Mediator) softDelete(ctx context.Context, tx *sql.Tx, t *registry.Table, pk map[string]any, changedAt time.Time) error {
	where, args := whereClause(t.PrimaryKey, pk)
	q := fmt.Sprintf(`UPDATE %s SET deleted = 1, last_modified_at = ? WHERE %s`, t.Name, where)
	args = append([]any{changedAt.UTC().Format(time.RFC3339Nano)}, args...)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mediator: soft-deleting %s: %w", t.Name, err)
	}
	return nil
}

// hardDelete removes the row(s) matching pk outright, for tables without a
// soft-delete flag.
func (m *Mediator) hardDelete(ctx context.Context, tx *sql.Tx, t *registry.Table, pk map[string]any) error {
	where, args := whereClause(t.PrimaryKey, pk)
	q := fmt.Sprintf(`DELETE FROM %s WHERE %s`, t.Name, where)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mediator: hard-deleting %s: %w", t.Name, err)
	}
	return nil
}

// upsert inserts row, or on a conflict on conflictCols updates it only if
// the incoming last_modified_at is strictly greater than the stored value
// (last-write-wins, spec.md §4.F). MySQL/Dolt's ON DUPLICATE KEY UPDATE has
// no WHERE clause, so the guard is expressed with a conditional assignment
// per column: new value if the incoming row is newer, otherwise the
// column's own current value (a self-assignment, which is a no-op).
func (m *Mediator) upsert(ctx context.Context, tx *sql.Tx, t *registry.Table, row map[string]any, conflictCols []string, changedAt time.Time) error {
	row = applyNormalize(t, row)

	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if containsStr(conflictCols, c) || c == "last_modified_at" {
			continue
		}
		updates = append(updates, fmt.Sprintf(
			"%[1]s = CASE WHEN VALUES(last_modified_at) > last_modified_at THEN VALUES(%[1]s) ELSE %[1]s END", c))
	}
	updates = append(updates, "last_modified_at = CASE WHEN VALUES(last_modified_at) > last_modified_at THEN VALUES(last_modified_at) ELSE last_modified_at END")

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		t.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mediator: upserting %s: %w", t.Name, err)
	}
	return nil
}

func applyNormalize(t *registry.Table, row map[string]any) map[string]any {
	if t.Normalize == nil {
		return row
	}
	return t.Normalize(row)
}

func whereClause(pkCols []string, pk map[string]any) (string, []any) {
	cols := append([]string{}, pkCols...)
	sort.Strings(cols)
	parts := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
		args[i] = pk[c]
	}
	return strings.Join(parts, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
