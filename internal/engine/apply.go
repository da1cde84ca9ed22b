package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tunetrainer/synccore/internal/obslog"
	"github.com/tunetrainer/synccore/internal/triggers"
	"github.com/tunetrainer/synccore/internal/wire"
)

// maxForeignKeyRetryPasses bounds the deferred-apply retry loop (spec.md
// §4.E step 5.g): each pass must shrink the deferred set by at least one,
// and residual failures after this many passes are reported as errors.
const maxForeignKeyRetryPasses = 3

// applyPage implements spec.md §4.E step 5: suppress triggers, apply one
// pulled page in dependency order, re-enable triggers, backfill the
// suppression window, and retry FK-deferred changes. It records every
// table touched into affected.
func (e *Engine) applyPage(ctx context.Context, changes []wire.Change, affected map[string]bool) (applied, failed int, err error) {
	if len(changes) == 0 {
		return 0, 0, nil
	}

	tSuppress := time.Now().UTC()
	if err := triggers.Suppress(ctx, e.store.DB()); err != nil {
		return 0, 0, fmt.Errorf("engine: suppressing triggers: %w", err)
	}

	sortChangesForApply(changes, e.reg)

	var deferred []wire.Change
	for _, c := range changes {
		if _, lookupErr := e.reg.Lookup(c.Table); lookupErr != nil {
			obslog.Logf("engine: skipping change for unknown table %s/%s", c.Table, c.RowID)
			continue
		}
		affected[c.Table] = true

		fkViolation, applyErr := e.applyOne(ctx, c)
		if applyErr != nil {
			if fkViolation {
				deferred = append(deferred, c)
				continue
			}
			obslog.Logf("engine: apply error on %s/%s: %v", c.Table, c.RowID, applyErr)
			failed++
			continue
		}
		applied++
	}

	for pass := 0; pass < maxForeignKeyRetryPasses && len(deferred) > 0; pass++ {
		var stillDeferred []wire.Change
		for _, c := range deferred {
			fkViolation, applyErr := e.applyOne(ctx, c)
			if applyErr != nil {
				if fkViolation {
					stillDeferred = append(stillDeferred, c)
					continue
				}
				failed++
				continue
			}
			applied++
		}
		if len(stillDeferred) == len(deferred) {
			break // pass made no progress; stop early
		}
		deferred = stillDeferred
	}
	failed += len(deferred)
	for _, c := range deferred {
		obslog.Logf("engine: giving up on %s/%s after %d foreign-key retry passes", c.Table, c.RowID, maxForeignKeyRetryPasses)
	}

	if err := triggers.Enable(ctx, e.store.DB()); err != nil {
		return applied, failed, fmt.Errorf("engine: re-enabling triggers: %w", err)
	}

	tableNames := make([]string, 0, len(affected))
	for t := range affected {
		tableNames = append(tableNames, t)
	}
	if _, err := e.outboxDB.BackfillSince(ctx, tSuppress, tableNames, ""); err != nil {
		// Best-effort per spec.md §7: logged, never fails the cycle.
		obslog.Logf("engine: backfill after suppression window failed: %v", (&BackfillError{Cause: err}).Error())
	}

	return applied, failed, nil
}

// applyOne applies a single change locally: a delete by PK, or an upsert
// by PK with a natural-unique-key fallback. The bool return reports
// whether the failure was a foreign-key violation (caller defers those for
// retry); any other failure is a permanent skip for this change.
func (e *Engine) applyOne(ctx context.Context, c wire.Change) (fkViolation bool, err error) {
	pk, err := e.reg.ParseRowID(c.Table, c.RowID)
	if err != nil {
		obslog.Logf("engine: skipping change with unparseable row id %s/%s: %v", c.Table, c.RowID, err)
		return false, nil
	}

	if c.Deleted {
		if err := e.applyDelete(ctx, c.Table, pk); err != nil {
			if isForeignKeyViolation(err) {
				return true, &ApplyError{Kind: ForeignKeyViolation, Table: c.Table, RowID: c.RowID, Cause: err}
			}
			return false, err
		}
		return false, nil
	}

	var data map[string]any
	if len(c.Data) > 0 {
		if err := json.Unmarshal(c.Data, &data); err != nil {
			return false, &ProtocolError{Table: c.Table, RowID: c.RowID, Cause: err}
		}
	}
	adapter := e.adapt.For(c.Table)
	local := adapter.ToLocal(data)
	local["last_modified_at"] = c.LastModifiedAt
	for k, v := range pk {
		local[k] = v
	}
	local, err = e.reg.ApplyNormalize(c.Table, local)
	if err != nil {
		return false, err
	}

	if err := e.upsertByPK(ctx, c.Table, local); err != nil {
		if isUniqueConstraintViolation(err) {
			if fallbackErr := e.upsertByUniqueKey(ctx, c.Table, local); fallbackErr != nil {
				if isForeignKeyViolation(fallbackErr) {
					return true, &ApplyError{Kind: ForeignKeyViolation, Table: c.Table, RowID: c.RowID, Cause: fallbackErr}
				}
				return false, &ApplyError{Kind: UniqueConstraintFallback, Table: c.Table, RowID: c.RowID, Cause: fallbackErr}
			}
			return false, nil
		}
		if isForeignKeyViolation(err) {
			return true, &ApplyError{Kind: ForeignKeyViolation, Table: c.Table, RowID: c.RowID, Cause: err}
		}
		return false, err
	}
	return false, nil
}

func (e *Engine) applyDelete(ctx context.Context, table string, pk map[string]any) error {
	t, err := e.reg.Lookup(table)
	if err != nil {
		return err
	}
	where, args := pkWhereClause(t.PrimaryKey, pk)
	if t.HasDeletedFlag {
		q := fmt.Sprintf("UPDATE %s SET deleted = 1, last_modified_at = ? WHERE %s", table, where)
		args = append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)
		_, err := e.store.DB().ExecContext(ctx, q, args...)
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %s", table, where)
	_, err = e.store.DB().ExecContext(ctx, q, args...)
	return err
}

// upsertByPK inserts row keyed by the table's primary key, overwriting the
// existing row on a primary-key conflict (INSERT ... ON CONFLICT DO UPDATE
// via upsertOnConflict). For a client apply, unlike the mediator, no
// last-write-wins guard is needed: the server already resolved conflicts
// before returning this row.
func (e *Engine) upsertByPK(ctx context.Context, table string, row map[string]any) error {
	return e.upsertOnConflict(ctx, table, row, nil)
}

// upsertByUniqueKey retries the upsert against the table's natural unique
// key, omitting the PK column from the update set so a pre-existing local
// row keeps its own synthetic id (spec.md §4.E step 5.d).
func (e *Engine) upsertByUniqueKey(ctx context.Context, table string, row map[string]any) error {
	t, err := e.reg.Lookup(table)
	if err != nil {
		return err
	}
	if len(t.UniqueKeys) == 0 {
		return fmt.Errorf("engine: %s has no natural unique key for fallback upsert", table)
	}
	omit := append([]string{}, t.PrimaryKey...)
	return e.upsertOnConflict(ctx, table, row, omit)
}

func (e *Engine) upsertOnConflict(ctx context.Context, table string, row map[string]any, omitFromUpdate []string) error {
	t, err := e.reg.Lookup(table)
	if err != nil {
		return err
	}
	conflictCols := t.PrimaryKey
	if omitFromUpdate != nil {
		conflictCols = t.UniqueKeys
	}

	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = "?"
		args[i] = row[c]
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if containsStr(conflictCols, c) || containsStr(omitFromUpdate, c) {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "), strings.Join(updates, ", "),
	)
	_, err = e.store.DB().ExecContext(ctx, q, args...)
	return err
}

func pkWhereClause(pkCols []string, pk map[string]any) (string, []any) {
	parts := make([]string, len(pkCols))
	args := make([]any, len(pkCols))
	for i, c := range pkCols {
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
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
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

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key constraint") || strings.Contains(msg, "foreign key mismatch")
}

func isUniqueConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
