package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tunetrainer/synccore/internal/wire"
)

// BackfillSince repairs spec invariant I1 after a trigger-suppression
// window (spec.md §4.D, §5): for every row in tables whose
// last_modified_at is at or after since, it inserts a pending UPDATE
// outbox entry if one does not already exist for that (table, row-id).
// It returns the count of entries actually inserted. deviceID appears only
// in error messages; it is not stored and does not affect matching.
func (s *Store) BackfillSince(ctx context.Context, since time.Time, tables []string, deviceID string) (int, error) {
	inserted := 0
	for _, table := range tables {
		t, err := s.reg.Lookup(table)
		if err != nil {
			return inserted, fmt.Errorf("outbox: backfill: %w", err)
		}

		cols := append([]string{}, t.PrimaryKey...)
		cols = append(cols, "last_modified_at")
		query := fmt.Sprintf(
			"SELECT %s FROM %s WHERE last_modified_at >= ?",
			strings.Join(cols, ", "), table,
		)
		rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return inserted, fmt.Errorf("outbox: backfill: querying %s: %w", table, err)
		}

		type candidate struct {
			rowID     string
			changedAt time.Time
		}
		var candidates []candidate
		for rows.Next() {
			scanDest := make([]any, len(t.PrimaryKey)+1)
			pkValues := make([]any, len(t.PrimaryKey))
			for i := range pkValues {
				scanDest[i] = &pkValues[i]
			}
			var lastModifiedAt string
			scanDest[len(t.PrimaryKey)] = &lastModifiedAt
			if err := rows.Scan(scanDest...); err != nil {
				rows.Close()
				return inserted, fmt.Errorf("outbox: backfill: scanning %s row: %w", table, err)
			}

			rowMap := make(map[string]any, len(t.PrimaryKey))
			for i, col := range t.PrimaryKey {
				rowMap[col] = pkValues[i]
			}
			rowID, err := s.reg.BuildRowID(table, rowMap)
			if err != nil {
				rows.Close()
				return inserted, fmt.Errorf("outbox: backfill: building row id for %s: %w", table, err)
			}
			changedAt, err := time.Parse(time.RFC3339Nano, lastModifiedAt)
			if err != nil {
				changedAt = time.Now().UTC()
			}
			candidates = append(candidates, candidate{rowID: rowID, changedAt: changedAt})
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return inserted, fmt.Errorf("outbox: backfill: iterating %s rows: %w", table, err)
		}
		if closeErr != nil {
			return inserted, fmt.Errorf("outbox: backfill: closing %s rows: %w", table, closeErr)
		}

		for _, c := range candidates {
			var exists int
			err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM sync_outbox WHERE table_name = ? AND row_id = ?`,
				table, c.rowID,
			).Scan(&exists)
			if err != nil {
				return inserted, fmt.Errorf("outbox: backfill: checking existing entry for %s/%s: %w", table, c.rowID, err)
			}
			if exists > 0 {
				continue
			}
			if _, err := s.Append(ctx, table, c.rowID, wire.OpUpdate, c.changedAt); err != nil {
				return inserted, fmt.Errorf("outbox: backfill: appending entry for %s/%s (device %s): %w", table, c.rowID, deviceID, err)
			}
			inserted++
		}
	}
	return inserted, nil
}
