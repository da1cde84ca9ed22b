// Package changelog is the remote-change-log described in spec.md §4.G:
// a stateless, append-only log of (table, row-id, changed-at), consumed
// only by the mediator to drive incremental pulls. Entries are appended by
// the mediator's push handling through Append, inside the push
// transaction; no trigger on the central store writes to the log, so
// writes made to the central store outside the mediator are not logged.
// The mediator is otherwise stateless per user.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one row of the remote change log.
type Entry struct {
	ID        string
	Table     string
	RowID     string
	ChangedAt time.Time
}

// Schema is the DDL for the change log table and its required indexes on
// changed_at and (table, row-id).
const Schema = `
CREATE TABLE IF NOT EXISTS sync_change_log (
	id         VARCHAR(36) PRIMARY KEY,
	table_name VARCHAR(128) NOT NULL,
	row_id     TEXT NOT NULL,
	changed_at DATETIME(6) NOT NULL
);
`

// IndexStatements are issued separately from Schema because some SQL
// dialects (Dolt included) reject CREATE INDEX IF NOT EXISTS inside the
// same batch as CREATE TABLE under certain drivers; callers execute these
// once, tolerating "already exists" errors.
var IndexStatements = []string{
	`CREATE INDEX sync_change_log_changed_at_idx ON sync_change_log (changed_at)`,
	`CREATE INDEX sync_change_log_table_row_idx ON sync_change_log (table_name, row_id(191))`,
}

// Log wraps a central-store database/sql handle (or an in-flight
// transaction satisfying the same interface) with change-log operations.
type Log struct {
	q Queryer
}

// Queryer is the subset of *sql.DB / *sql.Tx the changelog package needs,
// so a push transaction can append to the log without the mediator
// reaching past its own transaction boundary.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// New wraps q (typically the mediator's in-flight *sql.Tx) with change-log
// operations.
func New(q Queryer) *Log {
	return &Log{q: q}
}

// Append records one change. Mediator push handling calls this inside the
// same transaction as the row write it describes, so a rollback discards
// both atomically.
func (l *Log) Append(ctx context.Context, table, rowID string, changedAt time.Time) error {
	_, err := l.q.ExecContext(ctx,
		`INSERT INTO sync_change_log (id, table_name, row_id, changed_at) VALUES (?, ?, ?, ?)`,
		uuid.New().String(), table, rowID, changedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("changelog: appending entry for %s/%s: %w", table, rowID, err)
	}
	return nil
}

// Since returns every log entry with changed_at in (after, upTo], ordered
// by changed_at then id for stable pagination, per spec.md §4.F's cursor
// contract ("changed_at <= syncStartedAt AND changed_at > lastCursorTime").
func (l *Log) Since(ctx context.Context, after, upTo time.Time, limit int) ([]Entry, error) {
	rows, err := l.q.QueryContext(ctx,
		`SELECT id, table_name, row_id, changed_at FROM sync_change_log
		 WHERE changed_at > ? AND changed_at <= ?
		 ORDER BY changed_at ASC, id ASC LIMIT ?`,
		after.UTC(), upTo.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("changelog: querying since %s: %w", after, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Table, &e.RowID, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("changelog: scanning entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
