// Package localstore opens the client-local relational store the sync
// engine and change-capture triggers operate against. The store's
// business-table schema (tunes, playlists, practice records, ...) is
// applied by migration machinery outside this module's scope (spec.md
// §1); localstore only owns the sync-specific schema: the outbox table
// and the trigger-suppression session flag.
//
// The store is backed by github.com/ncruces/go-sqlite3, the embedded
// WASM SQLite runtime spec.md names as an external collaborator — this
// package is the thin database/sql wiring around it, nothing more.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tunetrainer/synccore/internal/outbox"
)

// Store wraps the client-local database/sql handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the sync-specific schema. WAL mode and a bounded busy timeout match the
// single-writer, UI-interleaved access pattern described in spec.md §5.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("localstore: creating directory for %s: %w", path, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening %s: %w", path, err)
	}
	// SQLite allows only one writer; bound the pool so the driver
	// serializes writes instead of surfacing SQLITE_BUSY under the Go
	// connection pool's concurrency.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: pinging %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: initializing schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store, for tests and scenario fixtures.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("localstore: opening in-memory store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: initializing schema: %w", err)
	}
	return s, nil
}

const suppressionSchema = `
CREATE TABLE IF NOT EXISTS sync_trigger_suppression (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	suppressed INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO sync_trigger_suppression (id, suppressed) VALUES (1, 0);
`

func (s *Store) initSchema() error {
	for _, stmt := range splitStatements(outbox.Schema + suppressionSchema) {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

// splitStatements breaks a semicolon-separated schema blob into individual
// statements, matching the teacher's ephemeral-store schema loader.
func splitStatements(schema string) []string {
	var out []string
	start := 0
	for i := 0; i < len(schema); i++ {
		if schema[i] == ';' {
			if stmt := trimSpace(schema[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if stmt := trimSpace(schema[start:]); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// DB returns the underlying database/sql handle, for the engine, triggers,
// and outbox packages to build their prepared queries against.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Empty reports whether every one of the given tables currently has zero
// rows, used by the engine to distinguish "lost the watermark" from "lost
// the data" when deciding initial vs incremental mode (spec.md §4.E step 1).
func (s *Store) Empty(ctx context.Context, tables []string) (bool, error) {
	for _, t := range tables {
		var count int
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err != nil {
			return false, fmt.Errorf("localstore: counting rows in %s: %w", t, err)
		}
		if count > 0 {
			return false, nil
		}
	}
	return true, nil
}
