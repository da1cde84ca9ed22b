package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tunetrainer/synccore/internal/obslog"
	"github.com/tunetrainer/synccore/internal/outbox"
	"github.com/tunetrainer/synccore/internal/wire"
)

// buildPushPayload implements spec.md §4.E step 3: turn sorted pending
// outbox entries into wire changes. represented maps back from the change
// slice index to the outbox entry it came from, so processPushResults can
// resolve only entries that actually made it into the payload; an entry
// dropped here (obsolete row, or DELETE withheld by allowDeletes) is
// handled separately.
func (e *Engine) buildPushPayload(ctx context.Context, entries []outbox.Entry) ([]wire.Change, []outbox.Entry, error) {
	var changes []wire.Change
	var represented []outbox.Entry

	for _, entry := range entries {
		if entry.Operation == wire.OpDelete {
			if !e.cfg.AllowDeletes {
				continue // left pending; not represented in this push
			}
			pk, err := e.reg.ParseRowID(entry.Table, entry.RowID)
			if err != nil {
				obslog.Logf("engine: skipping delete with unparseable row id %s/%s: %v", entry.Table, entry.RowID, err)
				continue
			}
			adapter := e.adapt.For(entry.Table)
			wireRow := adapter.ToRemote(pk)
			data, err := json.Marshal(wireRow)
			if err != nil {
				return nil, nil, fmt.Errorf("engine: encoding delete payload for %s/%s: %w", entry.Table, entry.RowID, err)
			}
			changes = append(changes, wire.Change{
				Table:          entry.Table,
				RowID:          entry.RowID,
				Data:           data,
				Deleted:        true,
				LastModifiedAt: entry.ChangedAt.UTC().Format(time.RFC3339Nano),
			})
			represented = append(represented, entry)
			continue
		}

		row, found, err := e.readLocalRow(ctx, entry.Table, entry.RowID)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			// Row no longer exists locally: treat as obsolete, mark
			// completed without pushing (spec.md §4.E step 3).
			if err := e.outboxDB.MarkCompleted(ctx, entry.ID); err != nil {
				return nil, nil, fmt.Errorf("engine: marking obsolete entry completed: %w", err)
			}
			continue
		}

		lastModifiedAt, _ := row["last_modified_at"].(string)
		if lastModifiedAt == "" {
			lastModifiedAt = entry.ChangedAt.UTC().Format(time.RFC3339Nano)
		}
		row["last_modified_at"] = lastModifiedAt

		adapter := e.adapt.For(entry.Table)
		wireRow := adapter.ToRemote(row)
		data, err := json.Marshal(wireRow)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: encoding payload for %s/%s: %w", entry.Table, entry.RowID, err)
		}
		changes = append(changes, wire.Change{
			Table:          entry.Table,
			RowID:          entry.RowID,
			Data:           data,
			Deleted:        false,
			LastModifiedAt: lastModifiedAt,
		})
		represented = append(represented, entry)
	}
	return changes, represented, nil
}

// processPushResults implements spec.md §4.D/§7's per-item push outcomes:
// represented and the response's PushResults are positionally paired (the
// mediator echoes exactly one result per change, in request order), so
// each outbox entry is resolved independently of the others. A
// PushError{LastWriteLoses} is constructed purely so it can be logged —
// spec.md §7 keeps it out of Result.Errors, since the server simply chose
// not to update and the client's next pull already brings the winning
// row back. A PushError{PermanentRejection} is surfaced in result.Errors
// once an entry's attempts reach cfg.MaxRetries.
func (e *Engine) processPushResults(ctx context.Context, represented []outbox.Entry, results []wire.PushResult, result *Result) error {
	for i, entry := range represented {
		if i >= len(results) {
			result.Errors = append(result.Errors, &ProtocolError{
				Table: entry.Table, RowID: entry.RowID,
				Cause: fmt.Errorf("mediator returned no push result for this change"),
			})
			continue
		}

		switch pr := results[i]; pr.Outcome {
		case wire.PushApplied:
			if err := e.outboxDB.MarkCompleted(ctx, entry.ID); err != nil {
				return fmt.Errorf("engine: marking %s completed: %w", entry.ID, err)
			}

		case wire.PushConflict:
			result.Conflicts++
			lwl := &PushError{Kind: LastWriteLoses, Table: entry.Table, RowID: entry.RowID, Cause: fmt.Errorf("superseded by a newer write")}
			obslog.Logf("engine: %s", lwl.Error())
			if err := e.outboxDB.MarkCompleted(ctx, entry.ID); err != nil {
				return fmt.Errorf("engine: marking %s completed after conflict: %w", entry.ID, err)
			}

		case wire.PushRejected:
			reason := pr.Error
			if reason == "" {
				reason = "rejected by mediator"
			}
			if err := e.outboxDB.MarkFailed(ctx, entry.ID, reason); err != nil {
				return fmt.Errorf("engine: marking %s failed: %w", entry.ID, err)
			}
			if entry.Attempts+1 < e.cfg.MaxRetries {
				continue
			}
			if err := e.outboxDB.MarkPermanentlyFailed(ctx, entry.ID, reason); err != nil {
				return fmt.Errorf("engine: marking %s permanently failed: %w", entry.ID, err)
			}
			result.ItemsFailed++
			result.Errors = append(result.Errors, &PushError{
				Kind: PermanentRejection, Table: entry.Table, RowID: entry.RowID, Cause: fmt.Errorf("%s", reason),
			})

		default:
			if err := e.outboxDB.MarkFailed(ctx, entry.ID, "unrecognized push outcome"); err != nil {
				return fmt.Errorf("engine: marking %s failed: %w", entry.ID, err)
			}
		}
	}
	return nil
}

// readLocalRow fetches the current row for table by its parsed PK.
func (e *Engine) readLocalRow(ctx context.Context, table, rowID string) (map[string]any, bool, error) {
	pk, err := e.reg.ParseRowID(table, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("engine: parsing row id for %s/%s: %w", table, rowID, err)
	}
	t, err := e.reg.Lookup(table)
	if err != nil {
		return nil, false, err
	}

	cols := make([]string, 0, len(t.PrimaryKey))
	args := make([]any, 0, len(t.PrimaryKey))
	for _, col := range t.PrimaryKey {
		cols = append(cols, col+" = ?")
		args = append(args, pk[col])
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s", table, strings.Join(cols, " AND "))

	rows, err := e.store.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("engine: reading local row %s/%s: %w", table, rowID, err)
	}
	defer rows.Close()

	result, err := scanSingleRow(rows)
	if err != nil {
		return nil, false, err
	}
	return result, result != nil, nil
}
