// Package mediator is the stateless server-side sync mediator described in
// spec.md §4.F: one transactional handler that applies a client's pushed
// changes to the central store with last-write-wins conflict resolution,
// then answers the accompanying pull within a per-user authorization
// filter, returning a stable cursor.
//
// A Mediator holds no per-user state between requests; every fact it needs
// comes from the request, the registry, and the central store.
package mediator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tunetrainer/synccore/internal/casing"
	"github.com/tunetrainer/synccore/internal/changelog"
	"github.com/tunetrainer/synccore/internal/config"
	"github.com/tunetrainer/synccore/internal/registry"
	"github.com/tunetrainer/synccore/internal/remotestore"
	"github.com/tunetrainer/synccore/internal/telemetry"
	"github.com/tunetrainer/synccore/internal/wire"
	"go.opentelemetry.io/otel/attribute"
)

// UnauthorizedWriteError is returned when a pushed change does not belong
// to the authenticated user. applyPush reports it as a per-row
// PushRejected result; the rest of the batch is still applied.
type UnauthorizedWriteError struct {
	Table string
	RowID string
}

func (e *UnauthorizedWriteError) Error() string {
	return fmt.Sprintf("mediator: unauthorized write to %s/%s", e.Table, e.RowID)
}

// Mediator wires the central store, table registry, and casing adapters
// into the push/pull transaction described in spec.md §4.F.
type Mediator struct {
	store  *remotestore.Store
	reg    *registry.Registry
	adapt  *casing.Set
	cfg    config.Mediator
}

// New returns a Mediator bound to store, using reg and adapt to interpret
// and translate every pushed or pulled row.
func New(store *remotestore.Store, reg *registry.Registry, adapt *casing.Set, cfg config.Mediator) *Mediator {
	return &Mediator{store: store, reg: reg, adapt: adapt, cfg: cfg}
}

// Handle runs one push+pull cycle for userID within a single transaction,
// per spec.md §4.F.
func (m *Mediator) Handle(ctx context.Context, userID string, req wire.SyncRequest) (wire.SyncResponse, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "mediator.handle",
		attribute.String("user.id", userID),
	)
	defer span.End()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	log := changelog.New(tx)
	var debug []string

	// syncStartedAt anchors the pull's consistent-snapshot contract (spec.md
	// §4.F pagination). It is fixed once per request, not recomputed per page.
	syncStartedAt := time.Now().UTC()
	if req.SyncStartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, req.SyncStartedAt); err == nil {
			syncStartedAt = t
		}
	}

	// Only the first page of a paginated pull carries changes to push; later
	// pages repeat with an empty Changes slice (spec.md §4.E step 5.h). Each
	// change is applied and classified independently (spec.md §7): a
	// rejected or superseded item never aborts the rest of the batch.
	var pushResults []wire.PushResult
	if len(req.Changes) > 0 {
		pushResults = make([]wire.PushResult, 0, len(req.Changes))
		for _, c := range req.Changes {
			outcome, reason, err := m.applyPush(ctx, tx, log, userID, c)
			if err != nil {
				// A genuine infra failure (query/exec error) leaves the
				// transaction in an unknown state; unlike a per-row rejection,
				// this aborts the whole request.
				return wire.SyncResponse{}, err
			}
			pushResults = append(pushResults, wire.PushResult{
				Table: c.Table, RowID: c.RowID, Outcome: outcome, Error: reason,
			})
			if reason != "" {
				debug = append(debug, reason)
			}
		}
	}

	pageSize := m.cfg.ClampPageSize(req.PageSize)

	var changes []wire.Change
	var nextCursor string
	if req.LastSyncAt == "" {
		changes, nextCursor, err = m.pullInitial(ctx, tx, userID, pageSize, req.PullCursor, req.Overrides)
	} else {
		lastSyncAt, perr := time.Parse(time.RFC3339Nano, req.LastSyncAt)
		if perr != nil {
			return wire.SyncResponse{}, fmt.Errorf("mediator: parsing lastSyncAt: %w", perr)
		}
		changes, nextCursor, err = m.pullIncremental(ctx, tx, log, userID, lastSyncAt, syncStartedAt, pageSize, req.PullCursor)
	}
	if err != nil {
		return wire.SyncResponse{}, err
	}

	if err := tx.Commit(); err != nil {
		return wire.SyncResponse{}, fmt.Errorf("mediator: committing transaction: %w", err)
	}
	committed = true

	return wire.SyncResponse{
		Changes:       changes,
		SyncedAt:      time.Now().UTC().Format(time.RFC3339Nano),
		SyncStartedAt: syncStartedAt.Format(time.RFC3339Nano),
		NextCursor:    nextCursor,
		PushResults:   pushResults,
		Debug:         debug,
	}, nil
}

// applyPush applies one pushed change within tx and classifies its
// outcome (spec.md §7): PushApplied on success, PushConflict when
// last-write-wins left an existing, newer row untouched, PushRejected
// when the write does not belong to this user or cannot be understood
// at all (unknown table, malformed row id, bad timestamp). Only a
// genuine infrastructure failure (a query or exec returning an error)
// is surfaced as a non-nil error, which aborts the whole request; every
// other rejection is per-row and leaves the rest of the batch
// unaffected, since one bad entry must never block the entries behind
// it in a client's outbox.
func (m *Mediator) applyPush(ctx context.Context, tx *sql.Tx, log *changelog.Log, userID string, c wire.Change) (wire.PushOutcome, string, error) {
	t, err := m.reg.Lookup(c.Table)
	if err != nil {
		return wire.PushRejected, err.Error(), nil
	}
	adapter := m.adapt.For(c.Table)

	changedAt, err := time.Parse(time.RFC3339Nano, c.LastModifiedAt)
	if err != nil {
		return wire.PushRejected, fmt.Sprintf("mediator: parsing lastModifiedAt for %s/%s: %v", c.Table, c.RowID, err), nil
	}

	if c.Deleted {
		pk, err := m.reg.ParseRowID(c.Table, c.RowID)
		if err != nil {
			return wire.PushRejected, fmt.Sprintf("mediator: parsing row id for delete on %s: %v", c.Table, err), nil
		}
		if err := m.authorizeWrite(ctx, tx, t, userID, pk); err != nil {
			if uw, ok := err.(*UnauthorizedWriteError); ok {
				return wire.PushRejected, uw.Error(), nil
			}
			return "", "", err
		}

		stale, err := m.isStale(ctx, tx, t, t.PrimaryKey, pk, changedAt)
		if err != nil {
			return "", "", err
		}
		if stale {
			return wire.PushConflict, "", nil
		}

		if t.HasDeletedFlag {
			if err := m.softDelete(ctx, tx, t, pk, changedAt); err != nil {
				return "", "", err
			}
		} else {
			if err := m.hardDelete(ctx, tx, t, pk); err != nil {
				return "", "", err
			}
		}
		if err := log.Append(ctx, t.Name, c.RowID, changedAt); err != nil {
			return "", "", err
		}
		return wire.PushApplied, "", nil
	}

	var data map[string]any
	if len(c.Data) > 0 {
		if err := json.Unmarshal(c.Data, &data); err != nil {
			return wire.PushRejected, fmt.Sprintf("mediator: decoding data for %s/%s: %v", c.Table, c.RowID, err), nil
		}
	}
	local := adapter.ToLocal(data)
	local["last_modified_at"] = c.LastModifiedAt

	if err := m.authorizeWrite(ctx, tx, t, userID, local); err != nil {
		if uw, ok := err.(*UnauthorizedWriteError); ok {
			return wire.PushRejected, uw.Error(), nil
		}
		return "", "", err
	}

	conflictCols, err := m.reg.ConflictTarget(t.Name)
	if err != nil {
		return wire.PushRejected, err.Error(), nil
	}

	stale, err := m.isStale(ctx, tx, t, conflictCols, local, changedAt)
	if err != nil {
		return "", "", err
	}
	if stale {
		return wire.PushConflict, "", nil
	}

	if err := m.upsert(ctx, tx, t, local, conflictCols, changedAt); err != nil {
		return "", "", err
	}
	if err := log.Append(ctx, t.Name, c.RowID, changedAt); err != nil {
		return "", "", err
	}
	return wire.PushApplied, "", nil
}

// isStale reports whether a stored row matched by keyCols/keyVals already
// carries a last_modified_at at or after changedAt — the same strict
// "incoming must be newer" rule upsert's SQL enforces, checked up front so
// a superseded write can be classified as PushConflict instead of being
// silently swallowed by the upsert statement.
func (m *Mediator) isStale(ctx context.Context, tx *sql.Tx, t *registry.Table, keyCols []string, keyVals map[string]any, changedAt time.Time) (bool, error) {
	where, args := whereClause(keyCols, keyVals)
	q := fmt.Sprintf("SELECT last_modified_at FROM %s WHERE %s", t.Name, where)
	var stored sql.NullString
	err := tx.QueryRowContext(ctx, q, args...).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mediator: reading current last_modified_at for %s: %w", t.Name, err)
	}
	if !stored.Valid || stored.String == "" {
		return false, nil
	}
	storedAt, err := time.Parse(time.RFC3339Nano, stored.String)
	if err != nil {
		return false, nil
	}
	return !changedAt.After(storedAt), nil
}

// authorizeWrite enforces spec.md §4.F's push authorization rule: each
// write must belong to the authenticated user, directly or via an owning
// playlist. row carries whatever columns the caller already has: the full
// decoded payload for an insert/update, or only the primary-key columns
// for a delete. When the relevant owner/playlist-ref column is absent from
// row (the delete case, for a table whose owner column isn't part of its
// PK), authorizeWrite falls back to reading the currently stored value.
func (m *Mediator) authorizeWrite(ctx context.Context, tx *sql.Tx, t *registry.Table, userID string, row map[string]any) error {
	switch t.Ownership {
	case registry.OwnershipNone:
		return nil
	case registry.OwnershipDirect:
		owner, ok := row[t.OwnerColumn].(string)
		if !ok {
			stored, err := m.currentColumn(ctx, tx, t, row, t.OwnerColumn)
			if err != nil {
				return err
			}
			owner = stored
		}
		if owner != "" && owner != userID {
			return &UnauthorizedWriteError{Table: t.Name, RowID: fmt.Sprintf("%v", row[t.PrimaryKey[0]])}
		}
		return nil
	case registry.OwnershipPlaylist:
		ref, ok := row[t.PlaylistRefColumn].(string)
		if !ok {
			stored, err := m.currentColumn(ctx, tx, t, row, t.PlaylistRefColumn)
			if err != nil {
				return err
			}
			ref = stored
		}
		if ref == "" {
			return nil
		}
		var owner sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT user_ref FROM playlist WHERE id = ?`, ref).Scan(&owner)
		if err == sql.ErrNoRows {
			return &UnauthorizedWriteError{Table: t.Name, RowID: ref}
		}
		if err != nil {
			return fmt.Errorf("mediator: resolving playlist owner for %s: %w", t.Name, err)
		}
		if owner.Valid && owner.String != userID {
			return &UnauthorizedWriteError{Table: t.Name, RowID: ref}
		}
		return nil
	default:
		return nil
	}
}

// currentColumn reads a single column's current value for the row
// identified by the PK columns present in row (a delete payload carries
// only those), returning "" if the row no longer exists.
func (m *Mediator) currentColumn(ctx context.Context, tx *sql.Tx, t *registry.Table, row map[string]any, column string) (string, error) {
	where, args := whereClause(t.PrimaryKey, row)
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s", column, t.Name, where)
	var v sql.NullString
	err := tx.QueryRowContext(ctx, q, args...).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mediator: reading current %s.%s: %w", t.Name, column, err)
	}
	return v.String, nil
}
