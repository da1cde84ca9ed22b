// Package remotestore opens the authoritative central relational store the
// sync mediator applies pushes to and pulls from. It supports two
// connection modes, mirroring the dual embedded/server-mode split used by
// Dolt-backed storage elsewhere in this stack:
//
//   - Embedded: database/sql via github.com/dolthub/driver, no server
//     required, single process.
//   - Server: database/sql via github.com/go-sql-driver/mysql against a
//     running Dolt (or any MySQL-wire-compatible) sql-server, for
//     multi-instance mediator deployments.
//
// The remote store's own storage engine is explicitly out of scope
// (spec.md §1); this package is the thin database/sql wiring the mediator
// issues ordinary SQL through, nothing more.
package remotestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"

	"github.com/tunetrainer/synccore/internal/backoffx"
	"github.com/tunetrainer/synccore/internal/changelog"
	"github.com/tunetrainer/synccore/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Mode selects the connection strategy.
type Mode int

const (
	// ModeEmbedded opens the Dolt database directly in-process.
	ModeEmbedded Mode = iota
	// ModeServer connects to a running dolt sql-server (or compatible
	// MySQL endpoint) over the network.
	ModeServer
)

// retryMaxElapsed bounds how long Store retries a transient connection
// error against the central store before giving up, matching the
// teacher's server-mode retry window for MySQL-protocol connections
// (which, unlike the embedded driver, has no built-in retry).
const retryMaxElapsed = 30 * time.Second

// Store wraps the central store's database/sql handle with the retry and
// tracing wrapper the mediator's push/pull paths use.
type Store struct {
	db   *sql.DB
	mode Mode
}

// Open connects to the central store. dsn is a dolthub/driver DSN in
// ModeEmbedded (a filesystem path to the Dolt database directory) or a
// go-sql-driver/mysql DSN in ModeServer.
func Open(mode Mode, dsn string) (*Store, error) {
	driverName := "dolt"
	if mode == ModeServer {
		driverName = "mysql"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("remotestore: opening %s store: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("remotestore: pinging %s store: %w", driverName, err)
	}
	return &Store{db: db, mode: mode}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema applies the remote-change-log DDL (spec.md §4.G). Each
// statement is issued through WithRetry since schema setup runs once at
// startup, when a freshly dialed connection is most likely to hit a
// transient failure. Index creation errors are tolerated when the index
// already exists, since not every SQL dialect supports CREATE INDEX IF
// NOT EXISTS.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(changelog.Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.WithRetry(ctx, func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("remotestore: applying change log schema: %w", err)
		}
	}
	for _, stmt := range changelog.IndexStatements {
		err := s.WithRetry(ctx, func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		})
		if err != nil && !alreadyExists(err) {
			return fmt.Errorf("remotestore: creating index: %w", err)
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exist") ||
		strings.Contains(strings.ToLower(err.Error()), "duplicate")
}

// BeginTx starts the single push+pull transaction per request described in
// spec.md §4.F, with tracing attributes describing the store mode. Opening
// the transaction goes through WithRetry: a pooled ModeServer connection
// that went stale between requests fails here first, before any push/pull
// work has happened, so it is safe to retry.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "remotestore.begin_tx",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "dolt")),
	)
	defer span.End()

	var tx *sql.Tx
	err := s.WithRetry(ctx, func(ctx context.Context) error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, nil)
		return beginErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("remotestore: beginning transaction: %w", err)
	}
	return tx, nil
}

// WithRetry runs op, retrying transient connection errors (stale pool
// connections, brief network blips, server restarts) for up to
// retryMaxElapsed. Only ModeServer connections benefit meaningfully from
// this — the embedded dolthub/driver runs in-process and rarely sees
// these errors — but it is harmless to apply uniformly.
func (s *Store) WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoffx.NewExponential(retryMaxElapsed)
	_, err := backoffx.Retry(ctx, bo, backoffx.IsRetryableStoreError, func() error {
		return op(ctx)
	})
	return err
}

// DB returns the underlying handle for packages (the mediator's push/pull
// SQL) that need direct access beyond BeginTx/WithRetry.
func (s *Store) DB() *sql.DB {
	return s.db
}
