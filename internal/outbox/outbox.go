// Package outbox is the durable per-client FIFO queue of captured writes
// (spec.md §4.D): change-capture triggers append entries here, and the
// sync engine drains them in arrival order, tracks retry state, and
// repairs gaps left by trigger suppression via backfill.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/wire"
)

// Status is an outbox entry's lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Entry is one captured local write awaiting push to the mediator.
type Entry struct {
	ID         string
	Table      string
	RowID      string
	Operation  wire.Operation
	Status     Status
	ChangedAt  time.Time
	Attempts   int
	LastError  string
	SyncedAt   *time.Time
}

// Stats is the diagnostic surface returned by GetStats: queue cardinality
// without loading the whole queue, computed via SQL aggregates per
// spec.md §4.D.
type Stats struct {
	Pending int64
	Failed  int64
	OldestPendingAge time.Duration
}

// Schema is the DDL for the outbox table, applied once per client store.
// CREATE TABLE IF NOT EXISTS keeps it safe to call on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	id          TEXT PRIMARY KEY,
	table_name  TEXT NOT NULL,
	row_id      TEXT NOT NULL,
	operation   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	changed_at  TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	synced_at   TEXT
);
CREATE INDEX IF NOT EXISTS sync_outbox_status_changed_at_idx ON sync_outbox(status, changed_at);
CREATE INDEX IF NOT EXISTS sync_outbox_table_row_idx ON sync_outbox(table_name, row_id);
`

// Store wraps a client-local database/sql handle with the outbox
// operations from spec.md §4.D.
type Store struct {
	db  *sql.DB
	reg *registry.Registry
}

// New returns an outbox Store. Callers must have already applied Schema
// against db; localstore.Open and localstore.OpenMemory do so.
func New(db *sql.DB, reg *registry.Registry) *Store {
	return &Store{db: db, reg: reg}
}

// Append inserts a new pending entry for one captured write. In this
// module triggers are modeled as SQL (see internal/triggers) that issue
// the equivalent INSERT directly; Append exists for call sites — such as
// backfill, and any Go code path that must enqueue without a trigger —
// that need to build one outside of a CREATE TRIGGER body.
func (s *Store) Append(ctx context.Context, table, rowID string, op wire.Operation, changedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_outbox (id, table_name, row_id, operation, status, changed_at, attempts) VALUES (?, ?, ?, ?, 'pending', ?, 0)`,
		id, table, rowID, string(op), changedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("outbox: appending entry for %s/%s: %w", table, rowID, err)
	}
	return id, nil
}

// GetPending returns up to limit pending entries, oldest-first by
// changed_at, for one push batch.
func (s *Store) GetPending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, row_id, operation, status, changed_at, attempts, COALESCE(last_error, ''), synced_at
		 FROM sync_outbox WHERE status = 'pending' ORDER BY changed_at ASC, id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: querying pending entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetFailed returns every permanently-failed entry, for the diagnostic
// surface and manual retry.
func (s *Store) GetFailed(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, table_name, row_id, operation, status, changed_at, attempts, COALESCE(last_error, ''), synced_at
		 FROM sync_outbox WHERE status = 'failed' ORDER BY changed_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: querying failed entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var op, status, changedAt string
		var syncedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Table, &e.RowID, &op, &status, &changedAt, &e.Attempts, &e.LastError, &syncedAt); err != nil {
			return nil, fmt.Errorf("outbox: scanning entry: %w", err)
		}
		e.Operation = wire.Operation(op)
		e.Status = Status(status)
		t, err := time.Parse(time.RFC3339Nano, changedAt)
		if err != nil {
			return nil, fmt.Errorf("outbox: parsing changed_at %q: %w", changedAt, err)
		}
		e.ChangedAt = t
		if syncedAt.Valid {
			st, err := time.Parse(time.RFC3339Nano, syncedAt.String)
			if err == nil {
				e.SyncedAt = &st
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkInProgress flags an entry as being pushed. Status stays 'pending'
// in storage (there is no separate column state machine beyond
// pending/failed); callers track in-flight entries in memory for the
// duration of one push call, matching the engine's single-cycle-at-a-time
// model (spec.md §5). This method exists for symmetry with spec.md's
// named operation and is a safe no-op placeholder for implementations
// that do add an in_progress status later.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	return nil
}

// MarkCompleted deletes a successfully-pushed entry, bounding the table's
// size as spec.md §4.D requires.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: marking %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed returns an entry to pending after a transient failure,
// incrementing attempts and recording the error.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'pending', attempts = attempts + 1, last_error = ? WHERE id = ?`,
		errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("outbox: marking %s failed: %w", id, err)
	}
	return nil
}

// MarkPermanentlyFailed flags an entry as failed after exhausting
// maxRetries, stamping synced_at so ClearOld can eventually purge it.
func (s *Store) MarkPermanentlyFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'failed', last_error = ?, synced_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("outbox: marking %s permanently failed: %w", id, err)
	}
	return nil
}

// Retry moves a permanently-failed entry back to pending with attempts
// reset, for manual operator intervention.
func (s *Store) Retry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = 'pending', attempts = 0, last_error = NULL, synced_at = NULL WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("outbox: retrying %s: %w", id, err)
	}
	return nil
}

// GetStats reports queue cardinality using SQL aggregates, never loading
// the full queue into memory.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox WHERE status = 'pending'`)
	if err := row.Scan(&stats.Pending); err != nil {
		return Stats{}, fmt.Errorf("outbox: counting pending: %w", err)
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_outbox WHERE status = 'failed'`)
	if err := row.Scan(&stats.Failed); err != nil {
		return Stats{}, fmt.Errorf("outbox: counting failed: %w", err)
	}

	var oldest sql.NullString
	row = s.db.QueryRowContext(ctx, `SELECT MIN(changed_at) FROM sync_outbox WHERE status = 'pending'`)
	if err := row.Scan(&oldest); err != nil {
		return Stats{}, fmt.Errorf("outbox: finding oldest pending: %w", err)
	}
	if oldest.Valid {
		t, err := time.Parse(time.RFC3339Nano, oldest.String)
		if err == nil {
			stats.OldestPendingAge = time.Since(t)
		}
	}
	return stats, nil
}

// ClearOld purges permanently-failed entries whose synced_at is older
// than olderThanMs, bounding the table even when operators never
// manually retry or dismiss failures.
func (s *Store) ClearOld(ctx context.Context, olderThanMs int64) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanMs) * time.Millisecond).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_outbox WHERE status = 'failed' AND synced_at IS NOT NULL AND synced_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("outbox: clearing old failed entries: %w", err)
	}
	return res.RowsAffected()
}
